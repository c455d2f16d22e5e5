package relay

import (
	"encoding/json"
	"sync"
	"time"
)

// LogEntry is one relayed or server-emitted envelope retained for late
// joiners and the space log endpoint.
type LogEntry struct {
	At       time.Time       `json:"at"`
	Envelope json.RawMessage `json:"envelope"`
}

// SpaceLog keeps a bounded ring of recent signaling envelopes per space.
// The oldest entries are discarded once a space's ring is full; an ended
// space's ring is dropped outright.
type SpaceLog struct {
	mu      sync.Mutex
	max     int
	bySpace map[string][]LogEntry
}

func NewSpaceLog(maxEntries int) *SpaceLog {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	return &SpaceLog{
		max:     maxEntries,
		bySpace: make(map[string][]LogEntry),
	}
}

// Append records an envelope, truncating the oldest entries when the ring
// exceeds its capacity.
func (l *SpaceLog) Append(spaceID string, envelope []byte) {
	cp := make([]byte, len(envelope))
	copy(cp, envelope)

	l.mu.Lock()
	defer l.mu.Unlock()
	entries := append(l.bySpace[spaceID], LogEntry{At: time.Now().UTC(), Envelope: cp})
	if excess := len(entries) - l.max; excess > 0 {
		entries = entries[excess:]
	}
	l.bySpace[spaceID] = entries
}

// Recent returns a copy of the retained entries, oldest first.
func (l *SpaceLog) Recent(spaceID string) []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.bySpace[spaceID]
	out := make([]LogEntry, len(entries))
	copy(out, entries)
	return out
}

// Drop discards a space's ring.
func (l *SpaceLog) Drop(spaceID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySpace, spaceID)
}
