package relay

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Conn wraps one signaling websocket with a bounded outbound queue. Writes
// go through Enqueue and are drained by a single write loop, so a slow
// reader can never block a broadcaster; when the queue is full the message
// is dropped instead.
type Conn struct {
	ID      string
	UserID  string
	SpaceID string

	sock   *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func NewConn(id, userID, spaceID string, sock *websocket.Conn, buffer int, logger zerolog.Logger) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		ID:      id,
		UserID:  userID,
		SpaceID: spaceID,
		sock:    sock,
		send:    make(chan []byte, buffer),
		closed:  make(chan struct{}),
		logger:  logger.With().Str("conn", id).Str("user", userID).Str("space", spaceID).Logger(),
	}
}

// Enqueue offers a message to the outbound queue without blocking.
// Returns false when the connection is closed or the queue is full.
func (c *Conn) Enqueue(msg []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// WriteLoop drains the outbound queue onto the socket. It returns when the
// connection closes, the context is done, or a write fails.
func (c *Conn) WriteLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case msg := <-c.send:
			if err := c.sock.Write(ctx, websocket.MessageText, msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close shuts the socket down exactly once. Safe to call from any goroutine.
func (c *Conn) Close(status websocket.StatusCode, reason string) {
	c.once.Do(func() {
		close(c.closed)
		if c.sock != nil {
			_ = c.sock.Close(status, reason)
		}
	})
}

// Closed reports whether Close has run.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
