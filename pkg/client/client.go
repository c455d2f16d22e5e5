// Package client is the SDK a UI embeds to participate in a space: a
// signaling connection with typed event callbacks, and an audio connection
// manager that supervises the external media transport.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	cidpkg "github.com/shep95/maldek-sub002/internal/cid"
	"github.com/shep95/maldek-sub002/pkg/protocol"
)

// buildDialHeaders constructs the HTTP header map used for websocket.Dial.
// Extracted to allow unit testing of header propagation.
func buildDialHeaders(ctx context.Context, userAgent, token string) map[string][]string {
	headers := map[string][]string{
		"User-Agent":    {userAgent},
		"Authorization": {"Bearer " + token},
	}
	cidpkg.AddHeaderFromContext(headers, ctx)
	return headers
}

// EventHandler receives server events. Implementations are invoked from
// the listen loop goroutine; keep them fast or hand off.
type EventHandler interface {
	OnConnected()
	OnDisconnected()
	OnRoster(roster protocol.RosterPayload)
	OnUserJoined(userID string)
	OnUserLeft(userID string)
	OnRoleChanged(change protocol.RoleChangedPayload)
	OnRequestPending(req protocol.RequestPendingPayload)
	OnRequestResolved(res protocol.RequestResolvedPayload)
	OnSpaceEnded(ended protocol.SpaceEndedPayload)
	OnError(code, message string)
	OnServerEvent(eventType, from string, payload json.RawMessage)
}

// DefaultEventHandler logs every event and is a convenient embed for
// callers that only care about a few callbacks.
type DefaultEventHandler struct{}

func (DefaultEventHandler) OnConnected()    { log.Info().Msg("signaling connected") }
func (DefaultEventHandler) OnDisconnected() { log.Info().Msg("signaling disconnected") }
func (DefaultEventHandler) OnRoster(r protocol.RosterPayload) {
	log.Info().Int("users", len(r.Users)).Msg("roster")
}
func (DefaultEventHandler) OnUserJoined(userID string) { log.Info().Str("user", userID).Msg("joined") }
func (DefaultEventHandler) OnUserLeft(userID string)   { log.Info().Str("user", userID).Msg("left") }
func (DefaultEventHandler) OnRoleChanged(c protocol.RoleChangedPayload) {
	log.Info().Str("user", c.UserID).Str("role", c.Role).Msg("role changed")
}
func (DefaultEventHandler) OnRequestPending(r protocol.RequestPendingPayload) {
	log.Info().Str("user", r.UserID).Str("request", r.RequestID).Msg("speaker request")
}
func (DefaultEventHandler) OnRequestResolved(r protocol.RequestResolvedPayload) {
	log.Info().Str("request", r.RequestID).Str("status", r.Status).Msg("request resolved")
}
func (DefaultEventHandler) OnSpaceEnded(e protocol.SpaceEndedPayload) {
	log.Info().Str("space", e.SpaceID).Msg("space ended")
}
func (DefaultEventHandler) OnError(code, message string) {
	log.Warn().Str("code", code).Str("message", message).Msg("server error")
}
func (DefaultEventHandler) OnServerEvent(eventType, from string, _ json.RawMessage) {
	log.Debug().Str("type", eventType).Str("from", from).Msg("event")
}

// SpaceClient is one user's signaling connection to one space.
type SpaceClient struct {
	config Config

	mu        sync.Mutex
	handler   EventHandler
	conn      *websocket.Conn
	connected bool
	hbCancel  context.CancelFunc
}

func NewSpaceClient(config Config) *SpaceClient {
	return &SpaceClient{
		config:  config.withDefaults(),
		handler: DefaultEventHandler{},
	}
}

// SetEventHandler replaces the default logging handler. Safe to call while
// the listen loop is running; the new handler takes effect on the next event.
func (c *SpaceClient) SetEventHandler(handler EventHandler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *SpaceClient) currentHandler() EventHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler
}

// IsConnected reports whether the signaling socket is open.
func (c *SpaceClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Connect dials the signaling endpoint for the configured space and starts
// the heartbeat loop. The server sends a full roster snapshot first thing,
// delivered through OnRoster.
func (c *SpaceClient) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s/ws/%s", c.config.ServerURL, c.config.SpaceID)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: buildDialHeaders(ctx, c.config.UserAgent, c.config.Token),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	hbCtx, hbCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.hbCancel = hbCancel
	c.mu.Unlock()

	go c.heartbeatLoop(hbCtx)
	c.currentHandler().OnConnected()
	return nil
}

// Disconnect closes the signaling socket and stops the heartbeat loop.
func (c *SpaceClient) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.hbCancel
	wasConnected := c.connected
	c.conn = nil
	c.connected = false
	c.hbCancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	err := conn.Close(websocket.StatusNormalClosure, "client disconnect")
	if wasConnected {
		c.currentHandler().OnDisconnected()
	}
	return err
}

func (c *SpaceClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(ctx, protocol.TypeHeartbeat, nil); err != nil {
				return
			}
		}
	}
}

// RequestSpeaker asks to be promoted to speaker. Repeating the call while a
// request is pending is harmless; the server treats it as idempotent.
func (c *SpaceClient) RequestSpeaker(ctx context.Context) error {
	return c.send(ctx, protocol.TypeSpeakerRequest, nil)
}

// ResolveSpeakerRequest accepts or rejects a pending request. Moderator
// only; losing a resolve race surfaces as an OnError notice, not a broken
// connection.
func (c *SpaceClient) ResolveSpeakerRequest(ctx context.Context, requestID string, accept bool) error {
	return c.send(ctx, protocol.TypeResolveRequest, protocol.ResolveRequestPayload{
		RequestID: requestID,
		Accept:    accept,
	})
}

// ChangeRole moves another participant to a new role.
func (c *SpaceClient) ChangeRole(ctx context.Context, userID, role string) error {
	return c.send(ctx, protocol.TypeChangeRole, protocol.ChangeRolePayload{
		UserID: userID,
		Role:   role,
	})
}

// EndSpace terminates the space. Host only.
func (c *SpaceClient) EndSpace(ctx context.Context) error {
	return c.send(ctx, protocol.TypeEndSpace, nil)
}

// SendSignal relays an opaque message to the other participants, e.g. for
// peer-negotiated media setup. The server stamps the sender; any From set
// here is ignored.
func (c *SpaceClient) SendSignal(ctx context.Context, msgType string, payload any) error {
	return c.send(ctx, msgType, payload)
}

// ListenForMessages blocks reading server messages and dispatching them to
// the event handler until the connection drops or ctx is done.
func (c *SpaceClient) ListenForMessages(ctx context.Context) error {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return ErrNotConnected
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			c.connected = false
			c.mu.Unlock()
			c.currentHandler().OnDisconnected()
			return fmt.Errorf("read: %w", err)
		}

		env, err := protocol.DecodeEnvelope(data)
		if err != nil {
			log.Warn().Err(err).Msg("undecodable server message")
			continue
		}
		c.dispatch(env)
	}
}

func (c *SpaceClient) dispatch(env protocol.Envelope) {
	payload, err := protocol.ParsePayload(env)
	if err != nil {
		log.Warn().Err(err).Str("type", env.Type).Msg("bad control payload")
		return
	}
	handler := c.currentHandler()
	switch p := payload.(type) {
	case protocol.RosterPayload:
		handler.OnRoster(p)
	case protocol.PresencePayload:
		if env.Type == protocol.TypeUserJoined {
			handler.OnUserJoined(p.UserID)
		} else {
			handler.OnUserLeft(p.UserID)
		}
	case protocol.RoleChangedPayload:
		handler.OnRoleChanged(p)
	case protocol.RequestPendingPayload:
		handler.OnRequestPending(p)
	case protocol.RequestResolvedPayload:
		handler.OnRequestResolved(p)
	case protocol.SpaceEndedPayload:
		handler.OnSpaceEnded(p)
	case protocol.ErrorPayload:
		handler.OnError(p.Code, p.Message)
	case protocol.Opaque:
		handler.OnServerEvent(p.Type, env.From, p.Payload)
	default:
		// heartbeat acks and other empty control frames
	}
}

func (c *SpaceClient) send(ctx context.Context, msgType string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	env, err := protocol.NewEnvelope(msgType, "", payload)
	if err != nil {
		return err
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
