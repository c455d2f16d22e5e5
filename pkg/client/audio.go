package client

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ConnState is the audio connection lifecycle state.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateReconnecting ConnState = "reconnecting"
	StateFailed       ConnState = "failed"
)

// ErrReconnectExhausted is reported once the retry budget is spent; the
// manager is then in StateFailed and only an explicit Connect or Leave
// moves it out.
var ErrReconnectExhausted = errors.New("client: reconnect attempts exhausted")

// ErrSessionActive is returned by Connect while a session is already
// connecting, connected or reconnecting.
var ErrSessionActive = errors.New("client: media session already active")

// MediaTransport is the external realtime audio provider. The coordination
// core hands it identity tokens and reacts to its outcomes; it never sees
// audio bytes.
type MediaTransport interface {
	Connect(ctx context.Context, token string) error
	Disconnect()
	SetMuted(muted bool) error
}

// AudioManager drives the media transport through an explicit state
// machine with bounded reconnection. It owns exactly one retry timer at a
// time; Leave cancels it so no orphaned attempt fires after the user is
// gone.
type AudioManager struct {
	mu        sync.Mutex
	transport MediaTransport
	policy    ReconnectPolicy

	state    ConnState
	attempts int
	muted    bool
	token    string

	timer  *time.Timer
	gen    int // invalidates scheduled retries from a previous session
	cancel context.CancelFunc
	ctx    context.Context

	onState func(ConnState)
}

func NewAudioManager(transport MediaTransport, policy ReconnectPolicy) *AudioManager {
	if policy.MaxAttempts <= 0 {
		policy = DefaultReconnectPolicy()
	}
	return &AudioManager{
		transport: transport,
		policy:    policy,
		state:     StateDisconnected,
	}
}

// OnStateChange registers a callback invoked (without the lock held) on
// every state transition.
func (m *AudioManager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *AudioManager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the media session. Valid from disconnected and, as the
// explicit caller action the failed state requires, from failed; both reset
// the attempt counter. The first attempt runs synchronously; on failure the
// retry loop continues in the background until it succeeds or the budget is
// spent.
func (m *AudioManager) Connect(ctx context.Context, token string) error {
	m.mu.Lock()
	if m.state != StateDisconnected && m.state != StateFailed {
		m.mu.Unlock()
		return ErrSessionActive
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	m.ctx = sessionCtx
	m.cancel = cancel
	m.token = token
	m.attempts = 0
	m.gen++
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	m.attempt()
	return nil
}

// attempt performs one transport connect and either settles in connected,
// schedules the next retry, or lands in failed.
func (m *AudioManager) attempt() {
	m.mu.Lock()
	if m.state != StateConnecting && m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	token := m.token
	gen := m.gen
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	err := m.transport.Connect(ctx, token)

	m.mu.Lock()
	if m.gen != gen {
		// Leave ran while the transport call was in flight.
		m.mu.Unlock()
		return
	}
	if err == nil {
		m.attempts = 0
		m.setStateLocked(StateConnected)
		m.mu.Unlock()
		return
	}
	if attempts >= m.policy.MaxAttempts {
		m.setStateLocked(StateFailed)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(StateReconnecting)
	delay := m.retryDelay(attempts)
	m.timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		stale := m.gen != gen
		m.mu.Unlock()
		if !stale {
			m.attempt()
		}
	})
	m.mu.Unlock()
}

// retryDelay is exponential backoff with up to 50% jitter, capped.
func (m *AudioManager) retryDelay(attempt int) time.Duration {
	delay := m.policy.BaseDelay << (attempt - 1)
	if m.policy.MaxDelay > 0 && delay > m.policy.MaxDelay {
		delay = m.policy.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
	return delay + jitter
}

// ToggleMute flips the mute state. Only meaningful with a live media
// session, so any other state gets ErrNotConnected rather than a silent
// no-op.
func (m *AudioManager) ToggleMute() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return false, ErrNotConnected
	}
	next := !m.muted
	if err := m.transport.SetMuted(next); err != nil {
		return m.muted, err
	}
	m.muted = next
	return m.muted, nil
}

// Muted reports the current mute state.
func (m *AudioManager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Leave is valid from any state: it releases the media session, cancels
// any scheduled reconnect so no stray retry fires later, and settles in
// disconnected.
func (m *AudioManager) Leave() {
	m.mu.Lock()
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	wasLive := m.state == StateConnected || m.state == StateConnecting || m.state == StateReconnecting
	m.attempts = 0
	m.muted = false
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if wasLive {
		m.transport.Disconnect()
	}
}

// setStateLocked updates state and fires the callback outside the lock.
// Callers must hold m.mu.
func (m *AudioManager) setStateLocked(next ConnState) {
	if m.state == next {
		return
	}
	m.state = next
	if fn := m.onState; fn != nil {
		go fn(next)
	}
}
