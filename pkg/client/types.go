package client

import (
	"errors"
	"time"
)

// Config holds everything needed to reach one space.
type Config struct {
	// ServerURL is the base websocket URL, e.g. "ws://localhost:8080".
	ServerURL string
	// Token is the bearer credential presented at the signaling endpoint.
	Token string
	// SpaceID selects the space to connect to.
	SpaceID string
	// UserAgent identifies the client in the upgrade request.
	UserAgent string
	// HeartbeatInterval is how often the client pings the presence tracker.
	// Must stay comfortably under the server's heartbeat timeout.
	HeartbeatInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.UserAgent == "" {
		out.UserAgent = "maldek-client/1.0"
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	return out
}

var (
	ErrNotConnected = errors.New("client: not connected")
	ErrConnection   = errors.New("client: signaling connection failed")
)

// ReconnectPolicy governs the audio connection manager's retry behavior.
type ReconnectPolicy struct {
	// MaxAttempts counts the initial attempt plus retries; once exhausted
	// the manager lands in StateFailed and stays there until the caller
	// explicitly reconnects or leaves.
	MaxAttempts int
	// BaseDelay is the first retry delay; subsequent retries double it,
	// with up to 50% random jitter added on top.
	BaseDelay time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}
