package main

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/shep95/maldek-sub002/internal/auth"
	"github.com/shep95/maldek-sub002/internal/config"
	"github.com/shep95/maldek-sub002/internal/presence"
	"github.com/shep95/maldek-sub002/internal/registry"
	"github.com/shep95/maldek-sub002/internal/relay"
	"github.com/shep95/maldek-sub002/internal/types"
	"github.com/shep95/maldek-sub002/pkg/protocol"
)

// Server wires the registry, presence tracker and relay hub behind one gin
// router. All mutable state hangs off this struct; nothing is reachable as
// package-level data.
type Server struct {
	cfg      *config.Config
	logger   zerolog.Logger
	registry *registry.Registry
	presence *presence.Tracker
	hub      *relay.Hub
	spaceLog *relay.SpaceLog
	router   *gin.Engine
	secret   []byte

	stop     chan struct{}
	stopOnce sync.Once
}

func NewServer(cfg *config.Config, store registry.Store, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: registry.New(store, logger, cfg.EventBuffer),
		presence: presence.NewTracker(cfg.HeartbeatTimeout, logger),
		hub:      relay.NewHub(logger),
		spaceLog: relay.NewSpaceLog(cfg.SpaceLogSize),
		secret:   []byte(cfg.Secret),
		stop:     make(chan struct{}),
	}
	s.router = s.buildRouter()
	return s
}

// Start launches the presence sweeper and the event fanout loops.
func (s *Server) Start() {
	// A heartbeat-expired connection is treated exactly like a transport
	// disconnect: its socket is closed, which unwinds the read loop and the
	// usual cleanup path. If the transport reported the disconnect first,
	// the lookup misses and this is a no-op.
	s.presence.SetExpiryHandler(func(rec *presence.Record) {
		if conn, ok := s.hub.Get(rec.ConnID); ok {
			conn.Close(closeStatusHeartbeatTimeout, "heartbeat timeout")
		}
	})
	s.presence.Start()
	go s.fanoutRegistryEvents()
	go s.fanoutPresenceEvents()
}

// Stop terminates the fanout loops and the sweeper.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.presence.Stop()
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.cidMiddleware(), s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "maldek-spaces"})
	})
	r.GET("/api/stats", s.handleStats)

	if s.cfg.Mode == "debug" {
		// Dev-only convenience; real deployments mint tokens upstream.
		r.POST("/api/token", s.handleMintToken)
	}

	api := r.Group("/api", s.authMiddleware())
	{
		api.POST("/spaces", s.handleCreateSpace)
		api.GET("/spaces", s.handleListSpaces)
		api.GET("/spaces/:id", s.handleGetSpace)
		api.POST("/spaces/:id/join", s.handleJoinSpace)
		api.POST("/spaces/:id/leave", s.handleLeaveSpace)
		api.POST("/spaces/:id/end", s.handleEndSpace)
		api.POST("/spaces/:id/role", s.handleChangeRole)
		api.POST("/spaces/:id/requests", s.handleRequestSpeaker)
		api.GET("/spaces/:id/requests", s.handleListPending)
		api.POST("/requests/:id/resolve", s.handleResolveRequest)
		api.GET("/spaces/:id/roster", s.handleRoster)
		api.GET("/spaces/:id/log", s.handleSpaceLog)
	}

	r.GET("/ws/:id", s.handleWebSocket)
	return r
}

// fanoutRegistryEvents turns registry mutation events into signaling
// broadcasts. Role and end-of-space changes go to the whole space; speaker
// request traffic goes only to the requester and the moderators.
func (s *Server) fanoutRegistryEvents() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.registry.Events():
			s.handleRegistryEvent(ev)
		}
	}
}

func (s *Server) handleRegistryEvent(ev *types.Event) {
	switch ev.Type {
	case types.EventRoleChanged:
		s.broadcastControl(ev.SpaceID, protocol.TypeRoleChanged, protocol.RoleChangedPayload{
			UserID:    ev.UserID,
			Role:      string(ev.Role),
			ChangedBy: ev.ActorID,
		})

	case types.EventRequestPending:
		msg, err := encodeControl(protocol.TypeRequestPending, protocol.RequestPendingPayload{
			RequestID:   ev.Request.ID,
			UserID:      ev.Request.UserID,
			RequestedAt: ev.Request.RequestedAt,
		})
		if err != nil {
			return
		}
		s.sendToModerators(ev.SpaceID, msg)

	case types.EventRequestResolved:
		msg, err := encodeControl(protocol.TypeRequestResolved, protocol.RequestResolvedPayload{
			RequestID:  ev.Request.ID,
			UserID:     ev.Request.UserID,
			Status:     string(ev.Request.Status),
			ResolvedBy: ev.Request.ResolvedBy,
		})
		if err != nil {
			return
		}
		s.hub.SendToUser(ev.SpaceID, ev.Request.UserID, msg)
		s.sendToModerators(ev.SpaceID, msg)

	case types.EventSpaceEnded:
		s.broadcastControl(ev.SpaceID, protocol.TypeSpaceEnded, protocol.SpaceEndedPayload{
			SpaceID: ev.SpaceID,
			EndedAt: ev.Timestamp,
		})
		// Everything about the space is torn down: sockets, presence, log.
		s.hub.CloseSpace(ev.SpaceID, closeStatusSpaceEnded, "space ended")
		s.presence.DropSpace(ev.SpaceID)
		s.spaceLog.Drop(ev.SpaceID)
	}
}

func (s *Server) fanoutPresenceEvents() {
	for {
		select {
		case <-s.stop:
			return
		case ev := <-s.presence.Events():
			msgType := protocol.TypeUserJoined
			if ev.Type == presence.EventLeft {
				msgType = protocol.TypeUserLeft
			}
			s.broadcastControl(ev.SpaceID, msgType, protocol.PresencePayload{UserID: ev.UserID})
		}
	}
}

func (s *Server) broadcastControl(spaceID, msgType string, payload any) {
	msg, err := encodeControl(msgType, payload)
	if err != nil {
		s.logger.Error().Err(err).Str("space", spaceID).Str("type", msgType).Msg("encode control message")
		return
	}
	s.hub.Broadcast(spaceID, "", msg)
	s.spaceLog.Append(spaceID, msg)
}

func (s *Server) sendToModerators(spaceID string, msg []byte) {
	participants, err := s.registry.ListParticipants(context.Background(), spaceID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if p.Role.CanModerate() && !p.Left {
			s.hub.SendToUser(spaceID, p.UserID, msg)
		}
	}
}

func encodeControl(msgType string, payload any) ([]byte, error) {
	env, err := protocol.NewEnvelope(msgType, "", payload)
	if err != nil {
		return nil, err
	}
	return protocol.Encode(env)
}

// httpStatus maps registry errors onto the REST surface.
func httpStatus(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrSpaceNotFound),
		errors.Is(err, registry.ErrParticipantNotFound),
		errors.Is(err, registry.ErrRequestNotFound):
		return http.StatusNotFound, protocol.CodeNotFound
	case errors.Is(err, registry.ErrAuthorization):
		return http.StatusForbidden, protocol.CodeNotAuthorized
	case errors.Is(err, registry.ErrSpaceEnded):
		return http.StatusConflict, protocol.CodeSpaceEnded
	case errors.Is(err, registry.ErrConflict):
		return http.StatusConflict, protocol.CodeConflict
	case errors.Is(err, registry.ErrInvalidRole):
		return http.StatusBadRequest, protocol.CodeBadPayload
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func abortWith(c *gin.Context, err error) {
	status, code := httpStatus(err)
	c.JSON(status, gin.H{"error": code, "message": err.Error()})
}

func currentUser(c *gin.Context) string {
	return c.GetString(ctxKeyUserID)
}

const ctxKeyUserID = "user_id"

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.TokenFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": protocol.CodeNotAuthorized})
			return
		}
		userID, err := auth.Verify(s.secret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": protocol.CodeNotAuthorized})
			return
		}
		c.Set(ctxKeyUserID, userID)
		c.Next()
	}
}
