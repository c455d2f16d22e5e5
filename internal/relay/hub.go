// Package relay fans signaling messages out to the connections of a space.
// It holds no durable state: membership and roles live in the registry,
// presence in the tracker. The hub only knows which sockets are open where.
package relay

import (
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Hub indexes open connections by space. All access goes through the
// mutex; none of this state is reachable as package-level data.
type Hub struct {
	mu     sync.RWMutex
	spaces map[string]map[string]*Conn // spaceID -> connID
	byID   map[string]*Conn

	dropped atomic.Int64
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		spaces: make(map[string]map[string]*Conn),
		byID:   make(map[string]*Conn),
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	conns, ok := h.spaces[c.SpaceID]
	if !ok {
		conns = make(map[string]*Conn)
		h.spaces[c.SpaceID] = conns
	}
	conns[c.ID] = c
	h.byID[c.ID] = c
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.byID[connID]
	if !ok {
		return
	}
	delete(h.byID, connID)
	conns := h.spaces[c.SpaceID]
	delete(conns, connID)
	if len(conns) == 0 {
		delete(h.spaces, c.SpaceID)
	}
}

// Broadcast enqueues msg on every connection in the space except exceptID
// (empty string means everyone). Delivery is fire-and-forget: full queues
// drop the message rather than stalling the caller, and the drop is
// counted. Enqueue order within one Broadcast call preserves per-sender
// FIFO toward each recipient.
func (h *Hub) Broadcast(spaceID, exceptID string, msg []byte) (sent, dropped int) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.spaces[spaceID]))
	for _, c := range h.spaces[spaceID] {
		if c.ID == exceptID {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.Enqueue(msg) {
			sent++
		} else {
			dropped++
			h.dropped.Add(1)
			h.logger.Warn().Str("space", spaceID).Str("conn", c.ID).Msg("outbound queue full, message dropped")
		}
	}
	return sent, dropped
}

// SendToUser enqueues msg on every connection a user holds in the space.
// Used for targeted notifications (multi-device users get all copies).
func (h *Hub) SendToUser(spaceID, userID string, msg []byte) (sent int) {
	h.mu.RLock()
	var conns []*Conn
	for _, c := range h.spaces[spaceID] {
		if c.UserID == userID {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if c.Enqueue(msg) {
			sent++
		} else {
			h.dropped.Add(1)
		}
	}
	return sent
}

// Send enqueues msg on a single connection.
func (h *Hub) Send(connID string, msg []byte) bool {
	h.mu.RLock()
	c, ok := h.byID[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Enqueue(msg)
}

// Get looks a connection up by id.
func (h *Hub) Get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[connID]
	return c, ok
}

// CloseSpace closes and removes every connection of a space. Used when the
// host ends the space.
func (h *Hub) CloseSpace(spaceID string, status websocket.StatusCode, reason string) int {
	h.mu.Lock()
	conns := h.spaces[spaceID]
	delete(h.spaces, spaceID)
	for id := range conns {
		delete(h.byID, id)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(status, reason)
	}
	return len(conns)
}

// ConnCount reports open connections, overall or for one space.
func (h *Hub) ConnCount(spaceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if spaceID == "" {
		return len(h.byID)
	}
	return len(h.spaces[spaceID])
}

// DroppedMessages reports the lifetime count of broadcast drops.
func (h *Hub) DroppedMessages() int64 {
	return h.dropped.Load()
}
