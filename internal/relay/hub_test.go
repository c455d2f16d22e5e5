package relay_test

import (
	"testing"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/shep95/maldek-sub002/internal/relay"
)

// conn builds a hub connection with no underlying socket; queue behavior
// is all these tests exercise.
func conn(id, userID, spaceID string, buffer int) *relay.Conn {
	return relay.NewConn(id, userID, spaceID, nil, buffer, zerolog.Nop())
}

func TestBroadcast_SkipsSenderAndCountsDrops(t *testing.T) {
	h := relay.NewHub(zerolog.Nop())
	sender := conn("c1", "alice", "s1", 1)
	receiver := conn("c2", "bob", "s1", 1)
	full := conn("c3", "carol", "s1", 1)
	h.Add(sender)
	h.Add(receiver)
	h.Add(full)

	// Fill carol's queue so the broadcast has to drop for her.
	if !full.Enqueue([]byte("x")) {
		t.Fatalf("priming enqueue failed")
	}

	sent, dropped := h.Broadcast("s1", "c1", []byte("hello"))
	if sent != 1 {
		t.Fatalf("expected 1 sent, got %d", sent)
	}
	if dropped != 1 {
		t.Fatalf("expected 1 dropped, got %d", dropped)
	}
	if h.DroppedMessages() != 1 {
		t.Fatalf("expected drop counter 1, got %d", h.DroppedMessages())
	}

	// The sender's buffer-1 queue stayed empty, so it still accepts one.
	if !sender.Enqueue([]byte("probe")) {
		t.Fatalf("sender should not receive its own broadcast")
	}
}

func TestSendToUser_AllDevices(t *testing.T) {
	h := relay.NewHub(zerolog.Nop())
	h.Add(conn("c1", "alice", "s1", 4))
	h.Add(conn("c2", "alice", "s1", 4))
	h.Add(conn("c3", "bob", "s1", 4))

	if sent := h.SendToUser("s1", "alice", []byte("ping")); sent != 2 {
		t.Fatalf("expected delivery to both of alice's connections, got %d", sent)
	}
	if sent := h.SendToUser("s1", "ghost", []byte("ping")); sent != 0 {
		t.Fatalf("expected no delivery for unknown user, got %d", sent)
	}
}

func TestSend_SingleConnection(t *testing.T) {
	h := relay.NewHub(zerolog.Nop())
	h.Add(conn("c1", "alice", "s1", 4))

	if !h.Send("c1", []byte("direct")) {
		t.Fatalf("expected direct send to succeed")
	}
	if h.Send("missing", []byte("direct")) {
		t.Fatalf("expected send to unknown connection to fail")
	}
}

func TestRemove_ForgetsConnection(t *testing.T) {
	h := relay.NewHub(zerolog.Nop())
	h.Add(conn("c1", "alice", "s1", 4))
	h.Add(conn("c2", "bob", "s1", 4))

	h.Remove("c1")
	if h.ConnCount("s1") != 1 {
		t.Fatalf("expected 1 connection after remove, got %d", h.ConnCount("s1"))
	}
	if _, ok := h.Get("c1"); ok {
		t.Fatalf("removed connection still resolvable")
	}
	// Removing twice is harmless.
	h.Remove("c1")
	if h.ConnCount("") != 1 {
		t.Fatalf("expected 1 total connection, got %d", h.ConnCount(""))
	}
}

func TestCloseSpace_ClosesEverything(t *testing.T) {
	h := relay.NewHub(zerolog.Nop())
	c1 := conn("c1", "alice", "s1", 4)
	c2 := conn("c2", "bob", "s1", 4)
	other := conn("c3", "carol", "s2", 4)
	h.Add(c1)
	h.Add(c2)
	h.Add(other)

	closed := h.CloseSpace("s1", websocket.StatusCode(4000), "space ended")
	if closed != 2 {
		t.Fatalf("expected 2 closed connections, got %d", closed)
	}
	if !c1.Closed() || !c2.Closed() {
		t.Fatalf("expected both space connections closed")
	}
	if other.Closed() {
		t.Fatalf("other space's connection must stay open")
	}
	if h.ConnCount("s1") != 0 || h.ConnCount("s2") != 1 {
		t.Fatalf("unexpected counts after close: s1=%d s2=%d", h.ConnCount("s1"), h.ConnCount("s2"))
	}

	// A closed connection refuses new messages.
	if c1.Enqueue([]byte("late")) {
		t.Fatalf("closed connection accepted a message")
	}
}
