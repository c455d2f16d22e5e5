// Package presence tracks the ephemeral per-space roster of open signaling
// connections. A user may hold several connections at once (multiple
// devices); the visible roster deduplicates by user. Records exist only
// while a connection is open and are never persisted.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Record describes one open signaling connection.
type Record struct {
	ConnID        string
	UserID        string
	SpaceID       string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
}

// RosterEntry is the deduplicated per-user view of a space's presence.
type RosterEntry struct {
	UserID      string `json:"user_id"`
	Connections int    `json:"connections"`
}

type EventType string

const (
	EventJoined EventType = "joined"
	EventLeft   EventType = "left"
)

// Event is emitted when a user's first connection appears or last
// connection goes away. Intermediate connections of the same user
// produce no events.
type Event struct {
	Type    EventType
	SpaceID string
	UserID  string
}

type spaceRoster struct {
	conns  map[string]*Record
	byUser map[string]map[string]struct{} // userID -> set of connIDs
}

// Tracker maintains presence for all spaces and expires connections whose
// heartbeat has gone silent. Expiry and explicit Untrack race safely:
// whichever fires first wins, the other is a no-op.
type Tracker struct {
	mu     sync.Mutex
	spaces map[string]*spaceRoster
	byConn map[string]*Record

	timeout time.Duration
	logger  zerolog.Logger
	events  chan Event

	onExpire func(*Record)

	stop     chan struct{}
	stopOnce sync.Once
}

func NewTracker(timeout time.Duration, logger zerolog.Logger) *Tracker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Tracker{
		spaces:  make(map[string]*spaceRoster),
		byConn:  make(map[string]*Record),
		timeout: timeout,
		logger:  logger.With().Str("component", "presence").Logger(),
		events:  make(chan Event, 256),
		stop:    make(chan struct{}),
	}
}

// Events carries joined/left notifications, including those produced by
// heartbeat expiry. A user's joined event always precedes the matching
// left event. Best-effort otherwise: a lagging consumer loses events and
// clients recover via roster resync.
func (t *Tracker) Events() <-chan Event {
	return t.events
}

// SetExpiryHandler registers a callback invoked for every connection the
// sweeper expires, so the owner can tear down the underlying socket. Must
// be set before Start.
func (t *Tracker) SetExpiryHandler(fn func(*Record)) {
	t.onExpire = fn
}

// Track registers a connection and returns whether it is the user's first
// connection in the space, plus the full current roster so the new
// connection can be sent a snapshot rather than relying on incremental
// events alone.
func (t *Tracker) Track(connID, userID, spaceID string) (first bool, roster []RosterEntry) {
	now := time.Now()
	t.mu.Lock()
	sp, ok := t.spaces[spaceID]
	if !ok {
		sp = &spaceRoster{
			conns:  make(map[string]*Record),
			byUser: make(map[string]map[string]struct{}),
		}
		t.spaces[spaceID] = sp
	}
	rec := &Record{ConnID: connID, UserID: userID, SpaceID: spaceID, ConnectedAt: now, LastHeartbeat: now}
	sp.conns[connID] = rec
	t.byConn[connID] = rec

	conns, seen := sp.byUser[userID]
	if !seen {
		conns = make(map[string]struct{})
		sp.byUser[userID] = conns
	}
	conns[connID] = struct{}{}
	first = len(conns) == 1
	roster = rosterLocked(sp)
	// Emitted under the lock so a joined event is never reordered behind
	// the left event of a concurrent Untrack. notify never blocks.
	if first {
		t.notify(Event{Type: EventJoined, SpaceID: spaceID, UserID: userID})
	}
	t.mu.Unlock()

	t.logger.Debug().Str("conn", connID).Str("user", userID).Str("space", spaceID).Msg("tracked")
	return first, roster
}

// Untrack removes a connection. Unknown connection ids are a no-op so that
// explicit disconnects and heartbeat expiry can race. Returns the removed
// record and whether it was the user's last connection in the space.
func (t *Tracker) Untrack(connID string) (rec *Record, last bool) {
	t.mu.Lock()
	rec, last = t.untrackLocked(connID)
	if last {
		t.notify(Event{Type: EventLeft, SpaceID: rec.SpaceID, UserID: rec.UserID})
	}
	t.mu.Unlock()
	return rec, last
}

func (t *Tracker) untrackLocked(connID string) (*Record, bool) {
	rec, ok := t.byConn[connID]
	if !ok {
		return nil, false
	}
	delete(t.byConn, connID)

	sp := t.spaces[rec.SpaceID]
	delete(sp.conns, connID)
	conns := sp.byUser[rec.UserID]
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(sp.byUser, rec.UserID)
	}
	if len(sp.conns) == 0 {
		delete(t.spaces, rec.SpaceID)
	}
	return rec, last
}

// Heartbeat refreshes a connection's liveness deadline. Returns false for
// connections already expired or untracked.
func (t *Tracker) Heartbeat(connID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byConn[connID]
	if !ok {
		return false
	}
	rec.LastHeartbeat = time.Now()
	return true
}

// Roster returns the deduplicated roster of a space sorted by user id.
func (t *Tracker) Roster(spaceID string) []RosterEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.spaces[spaceID]
	if !ok {
		return nil
	}
	return rosterLocked(sp)
}

func rosterLocked(sp *spaceRoster) []RosterEntry {
	out := make([]RosterEntry, 0, len(sp.byUser))
	for userID, conns := range sp.byUser {
		out = append(out, RosterEntry{UserID: userID, Connections: len(conns)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// DropSpace removes every connection of a space at once (end-space cascade)
// and returns the dropped records so the caller can close their sockets.
// No left events are emitted; the caller broadcasts the space-ended signal.
func (t *Tracker) DropSpace(spaceID string) []*Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	sp, ok := t.spaces[spaceID]
	if !ok {
		return nil
	}
	out := make([]*Record, 0, len(sp.conns))
	for _, rec := range sp.conns {
		delete(t.byConn, rec.ConnID)
		out = append(out, rec)
	}
	delete(t.spaces, spaceID)
	return out
}

// ConnectionCount reports the number of open connections across all spaces.
func (t *Tracker) ConnectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byConn)
}

// Start launches the heartbeat sweeper. The sweeper is the only mechanism
// that detects silent network death; transport-reported disconnects go
// through Untrack directly.
func (t *Tracker) Start() {
	go t.sweep()
}

// Stop terminates the sweeper and closes the event stream.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Tracker) sweep() {
	interval := t.timeout / 2
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.expire(time.Now().Add(-t.timeout))
		}
	}
}

func (t *Tracker) expire(deadline time.Time) {
	t.mu.Lock()
	var stale []string
	for connID, rec := range t.byConn {
		if rec.LastHeartbeat.Before(deadline) {
			stale = append(stale, connID)
		}
	}
	var expired []*Record
	for _, connID := range stale {
		rec, last := t.untrackLocked(connID)
		if rec != nil {
			expired = append(expired, rec)
		}
		if last {
			t.notify(Event{Type: EventLeft, SpaceID: rec.SpaceID, UserID: rec.UserID})
		}
	}
	t.mu.Unlock()

	// The expiry callback closes sockets and may reenter the tracker, so it
	// runs outside the lock.
	if t.onExpire != nil {
		for _, rec := range expired {
			t.onExpire(rec)
		}
	}
	if len(stale) > 0 {
		t.logger.Info().Int("expired", len(stale)).Msg("heartbeats expired")
	}
}

func (t *Tracker) notify(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn().Str("space", ev.SpaceID).Str("user", ev.UserID).Msg("presence event dropped, buffer full")
	}
}
