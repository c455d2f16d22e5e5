package main

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/segmentio/ksuid"

	"github.com/shep95/maldek-sub002/internal/auth"
	"github.com/shep95/maldek-sub002/internal/relay"
	"github.com/shep95/maldek-sub002/internal/types"
	"github.com/shep95/maldek-sub002/pkg/protocol"
)

// 4000-range application close codes.
const (
	closeStatusSpaceEnded       = websocket.StatusCode(4000)
	closeStatusHeartbeatTimeout = websocket.StatusCode(4001)
)

// handleWebSocket admits a participant's signaling connection. Credential
// and membership are validated before the upgrade; a failed check refuses
// the handshake with a plain HTTP status instead of upgrading and then
// closing.
func (s *Server) handleWebSocket(c *gin.Context) {
	spaceID := c.Param("id")

	token, err := auth.TokenFromRequest(c.Request)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}
	userID, err := auth.Verify(s.secret, token)
	if err != nil {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ctx := c.Request.Context()
	space, err := s.registry.GetSpace(ctx, spaceID)
	if err != nil {
		c.AbortWithStatus(http.StatusNotFound)
		return
	}
	if space.Status != types.SpaceLive {
		c.AbortWithStatus(http.StatusConflict)
		return
	}
	participant, err := s.registry.GetParticipant(ctx, spaceID, userID)
	if err != nil || participant.Left {
		c.AbortWithStatus(http.StatusForbidden)
		return
	}

	sock, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("space", spaceID).Str("user", userID).Msg("upgrade failed")
		return
	}

	connID := ksuid.New().String()
	conn := relay.NewConn(connID, userID, spaceID, sock, s.cfg.SendBuffer, s.logger)
	s.hub.Add(conn)
	_, _ = s.presence.Track(connID, userID, spaceID)

	s.logger.Info().Str("conn", connID).Str("space", spaceID).Str("user", userID).Msg("signaling connected")

	// The connection outlives the handler's request context only until the
	// read loop exits, so one cancelable context drives both loops.
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go conn.WriteLoop(connCtx)

	// A fresh connection gets the full roster immediately; it must not have
	// to reconstruct the room from incremental events.
	if payload, err := s.rosterPayload(ctx, spaceID); err == nil {
		if msg, err := encodeControl(protocol.TypeRoster, payload); err == nil {
			conn.Enqueue(msg)
		}
	}

	defer func() {
		s.hub.Remove(connID)
		s.presence.Untrack(connID)
		conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Info().Str("conn", connID).Str("space", spaceID).Str("user", userID).Msg("signaling disconnected")
	}()

	for {
		_, data, err := sock.Read(connCtx)
		if err != nil {
			s.logger.Debug().Err(err).Str("conn", connID).Msg("read loop ended")
			return
		}
		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			s.sendError(conn, protocol.CodeBadPayload, "malformed envelope")
			continue
		}
		// Sender identity comes from the authenticated session, never from
		// the client-supplied envelope.
		env.From = userID
		s.dispatch(connCtx, conn, env)
	}
}

func (s *Server) dispatch(ctx context.Context, conn *relay.Conn, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeHeartbeat:
		s.presence.Heartbeat(conn.ID)
		if msg, err := encodeControl(protocol.TypeHeartbeatAck, nil); err == nil {
			conn.Enqueue(msg)
		}

	case protocol.TypeSpeakerRequest:
		if _, err := s.registry.RequestSpeaker(ctx, conn.SpaceID, conn.UserID); err != nil {
			s.sendRegistryError(conn, err)
		}

	case protocol.TypeResolveRequest:
		payload, err := protocol.ParsePayload(env)
		if err != nil {
			s.sendError(conn, protocol.CodeBadPayload, err.Error())
			return
		}
		p := payload.(protocol.ResolveRequestPayload)
		if _, err := s.registry.ResolveRequest(ctx, conn.UserID, p.RequestID, p.Accept); err != nil {
			// A lost resolve race is a notice, not a failure.
			s.sendRegistryError(conn, err)
		}

	case protocol.TypeChangeRole:
		payload, err := protocol.ParsePayload(env)
		if err != nil {
			s.sendError(conn, protocol.CodeBadPayload, err.Error())
			return
		}
		p := payload.(protocol.ChangeRolePayload)
		if _, err := s.registry.ChangeRole(ctx, conn.UserID, conn.SpaceID, p.UserID, types.Role(p.Role)); err != nil {
			s.sendRegistryError(conn, err)
		}

	case protocol.TypeEndSpace:
		if _, err := s.registry.EndSpace(ctx, conn.UserID, conn.SpaceID); err != nil {
			s.sendRegistryError(conn, err)
		}

	default:
		if protocol.ServerEmitted(env.Type) {
			s.sendError(conn, protocol.CodeNotAuthorized, "reserved message type")
			return
		}
		// Opaque pass-through: relayed unmodified (beyond the from stamp) to
		// every other connection in the space.
		msg, err := protocol.Encode(env)
		if err != nil {
			s.sendError(conn, protocol.CodeBadPayload, "unencodable envelope")
			return
		}
		s.hub.Broadcast(conn.SpaceID, conn.ID, msg)
		s.spaceLog.Append(conn.SpaceID, msg)
	}
}

// rosterPayload merges live presence with registry roles into the snapshot
// sent to new connections and served on the roster endpoint.
func (s *Server) rosterPayload(ctx context.Context, spaceID string) (protocol.RosterPayload, error) {
	if _, err := s.registry.GetSpace(ctx, spaceID); err != nil {
		return protocol.RosterPayload{}, err
	}
	roles := make(map[string]types.Role)
	if participants, err := s.registry.ListParticipants(ctx, spaceID); err == nil {
		for _, p := range participants {
			roles[p.UserID] = p.Role
		}
	}

	entries := s.presence.Roster(spaceID)
	users := make([]protocol.RosterUser, 0, len(entries))
	for _, e := range entries {
		users = append(users, protocol.RosterUser{
			UserID:      e.UserID,
			Role:        string(roles[e.UserID]),
			Connections: e.Connections,
		})
	}
	return protocol.RosterPayload{SpaceID: spaceID, Users: users}, nil
}

func (s *Server) sendError(conn *relay.Conn, code, message string) {
	msg, err := encodeControl(protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	conn.Enqueue(msg)
}

func (s *Server) sendRegistryError(conn *relay.Conn, err error) {
	_, code := httpStatus(err)
	s.logger.Warn().Err(err).Str("space", conn.SpaceID).Str("user", conn.UserID).Msg("control message refused")
	s.sendError(conn, code, err.Error())
}
