package connection

import (
	"math"
	"sync"
	"time"

	"github.com/meszmate/anchor/internal/clock"
	"github.com/meszmate/anchor/internal/logging"
)

// State represents the connection lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnectedHealthy
	StateConnectedVerifying
	StateReconnectWaiting
	StateReconnectAttempting
	StateTerminalConflict
	StateTerminalAuthFailed
	StateTerminalMaxRetries
	StateTerminalInitialFailure
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnectedHealthy:
		return "connected"
	case StateConnectedVerifying:
		return "verifying"
	case StateReconnectWaiting:
		return "reconnect-waiting"
	case StateReconnectAttempting:
		return "reconnect-attempting"
	case StateTerminalConflict:
		return "terminal-conflict"
	case StateTerminalAuthFailed:
		return "terminal-auth-failed"
	case StateTerminalMaxRetries:
		return "terminal-max-retries"
	case StateTerminalInitialFailure:
		return "terminal-initial-failure"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// IsConnected reports whether the session is established (healthy or
// verifying after a wake).
func (s State) IsConnected() bool {
	return s == StateConnectedHealthy || s == StateConnectedVerifying
}

// IsTerminal reports whether the state requires a manual reconnect.
func (s State) IsTerminal() bool {
	switch s {
	case StateTerminalConflict, StateTerminalAuthFailed, StateTerminalMaxRetries, StateTerminalInitialFailure:
		return true
	}
	return false
}

// IsReconnecting reports whether an automatic reconnect is in progress.
func (s State) IsReconnecting() bool {
	return s == StateReconnectWaiting || s == StateReconnectAttempting
}

// Context carries the reconnection bookkeeping owned by the machine.
// It is reset on every successful connection and on manual disconnect.
type Context struct {
	Attempt        int
	MaxAttempts    int
	NextRetryDelay time.Duration
	RetryTarget    time.Time // zero when no retry is scheduled
	LastError      string
}

// Config tunes the backoff schedule and wake verification.
type Config struct {
	InitialDelay   time.Duration
	Multiplier     float64
	MaxDelay       time.Duration
	MaxAttempts    int
	SessionTimeout time.Duration // sleep longer than this skips verification
}

// DefaultConfig returns the default backoff configuration.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   time.Second,
		Multiplier:     2,
		MaxDelay:       120 * time.Second,
		MaxAttempts:    10,
		SessionTimeout: 600 * time.Second,
	}
}

// Delay computes the backoff delay for a given attempt (1-based):
// min(initial * multiplier^(attempt-1), max).
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(attempt-1)))
	if d > c.MaxDelay || d <= 0 {
		d = c.MaxDelay
	}
	return d
}

// Observer receives every state transition after it has been applied.
type Observer func(state State, ctx Context)

// Machine owns the protocol session lifecycle: idle through connecting,
// connected, reconnecting with exponential backoff, and the terminal
// failure states. Transitions are synchronous and atomic; the retry
// timer is the only scheduled operation and is cancelled on any
// transition that leaves the waiting state.
type Machine struct {
	mu       sync.Mutex
	cfg      Config
	sched    clock.Scheduler
	state    State
	ctx      Context
	observer Observer

	retryCancel clock.CancelFunc
	retryGen    int
}

// NewMachine creates a connection machine in the idle state.
func NewMachine(cfg Config, sched clock.Scheduler, observer Observer) *Machine {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = 600 * time.Second
	}
	return &Machine{
		cfg:      cfg,
		sched:    sched,
		state:    StateIdle,
		ctx:      Context{MaxAttempts: cfg.MaxAttempts},
		observer: observer,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a snapshot of the reconnection context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Connect requests a connection. Accepted from idle, disconnected and
// every terminal state; a terminal state is treated as a fresh start
// with all retry context cleared.
func (m *Machine) Connect() {
	m.mu.Lock()
	switch {
	case m.state == StateIdle, m.state == StateDisconnected:
		m.ctx.LastError = ""
		m.transition(StateConnecting)
	case m.state.IsTerminal():
		// Manual reconnect from a terminal state is unconditional:
		// pass through idle and carry straight on to connecting.
		m.resetContext()
		m.state = StateIdle
		m.transition(StateConnecting)
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// Disconnect is a manual disconnect. It clears all reconnect context
// and cancels any pending retry timer.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnectedHealthy, StateConnectedVerifying,
		StateReconnectWaiting, StateReconnectAttempting:
		m.resetContext()
		m.transition(StateDisconnected)
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// ConnectionSuccess reports that a connect or reconnect attempt
// produced an established session.
func (m *Machine) ConnectionSuccess() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateReconnectAttempting:
		m.resetContext()
		m.transition(StateConnectedHealthy)
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// ConnectionError reports a failed connect or reconnect attempt.
func (m *Machine) ConnectionError(reason string) {
	m.mu.Lock()
	switch m.state {
	case StateConnecting:
		// The first-ever attempt failing is not retried automatically.
		m.ctx.LastError = reason
		m.transition(StateTerminalInitialFailure)
	case StateReconnectAttempting:
		m.ctx.LastError = reason
		m.nextAttemptLocked()
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// SocketDied reports that the underlying transport failed.
func (m *Machine) SocketDied() {
	m.mu.Lock()
	switch m.state {
	case StateConnectedHealthy, StateConnectedVerifying:
		m.startReconnectLocked()
	case StateReconnectAttempting:
		m.nextAttemptLocked()
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// Wake reports that the host woke from sleep. Sleeps strictly longer
// than the stream management session timeout skip verification and go
// straight to reconnecting; the boundary itself still verifies.
func (m *Machine) Wake(sleep time.Duration) {
	m.mu.Lock()
	switch m.state {
	case StateConnectedHealthy:
		if sleep > m.cfg.SessionTimeout {
			m.startReconnectLocked()
		} else {
			m.transition(StateConnectedVerifying)
		}
	case StateReconnectWaiting:
		m.beginAttemptLocked()
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// VerifySuccess reports that the post-wake ping round-trip succeeded.
func (m *Machine) VerifySuccess() {
	m.mu.Lock()
	if m.state != StateConnectedVerifying {
		m.mu.Unlock()
		return
	}
	m.transition(StateConnectedHealthy)
	m.notifyLocked()
}

// VerifyFailed reports that the post-wake verification failed.
func (m *Machine) VerifyFailed() {
	m.mu.Lock()
	if m.state != StateConnectedVerifying {
		m.mu.Unlock()
		return
	}
	m.startReconnectLocked()
	m.notifyLocked()
}

// Conflict reports that the session was replaced elsewhere. Never
// retried automatically.
func (m *Machine) Conflict() {
	m.terminal(StateTerminalConflict, "conflict: session replaced by another resource")
}

// AuthError reports an authentication failure. Never retried
// automatically.
func (m *Machine) AuthError() {
	m.terminal(StateTerminalAuthFailed, "authentication failed")
}

// TriggerReconnect skips the remaining backoff delay and attempts the
// reconnect immediately.
func (m *Machine) TriggerReconnect() {
	m.fireWaiting()
}

// Visible reports that the client became visible again (e.g. the app
// returned to the foreground); a pending backoff wait is cut short.
func (m *Machine) Visible() {
	m.fireWaiting()
}

// CancelReconnect abandons an automatic reconnect in progress.
func (m *Machine) CancelReconnect() {
	m.mu.Lock()
	if !m.state.IsReconnecting() {
		m.mu.Unlock()
		return
	}
	m.resetContext()
	m.transition(StateDisconnected)
	m.notifyLocked()
}

// fireWaiting promotes reconnecting.waiting to reconnecting.attempting.
func (m *Machine) fireWaiting() {
	m.mu.Lock()
	if m.state != StateReconnectWaiting {
		m.mu.Unlock()
		return
	}
	m.beginAttemptLocked()
	m.notifyLocked()
}

// terminal applies a terminal transition reachable from any live state.
func (m *Machine) terminal(target State, reason string) {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnectedHealthy, StateConnectedVerifying,
		StateReconnectWaiting, StateReconnectAttempting:
		m.cancelRetryLocked()
		m.ctx.Attempt = 0
		m.ctx.NextRetryDelay = 0
		m.ctx.RetryTarget = time.Time{}
		m.ctx.LastError = reason
		m.transition(target)
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// startReconnectLocked enters reconnecting.waiting for the first
// attempt after a live connection was lost.
func (m *Machine) startReconnectLocked() {
	m.ctx.Attempt = 1
	m.scheduleRetryLocked()
	m.transition(StateReconnectWaiting)
}

// nextAttemptLocked handles a failed reconnect attempt: either schedule
// the next wait or give up once the attempt bound is exceeded.
func (m *Machine) nextAttemptLocked() {
	m.ctx.Attempt++
	if m.ctx.Attempt > m.cfg.MaxAttempts {
		m.ctx.NextRetryDelay = 0
		m.ctx.RetryTarget = time.Time{}
		m.transition(StateTerminalMaxRetries)
		return
	}
	m.scheduleRetryLocked()
	m.transition(StateReconnectWaiting)
}

// beginAttemptLocked moves from waiting to attempting, clearing the
// retry target and stopping the backoff timer.
func (m *Machine) beginAttemptLocked() {
	m.cancelRetryLocked()
	m.ctx.RetryTarget = time.Time{}
	m.transition(StateReconnectAttempting)
}

// scheduleRetryLocked computes the backoff delay for the current
// attempt and arms the retry timer.
func (m *Machine) scheduleRetryLocked() {
	m.cancelRetryLocked()
	delay := m.cfg.Delay(m.ctx.Attempt)
	m.ctx.NextRetryDelay = delay
	m.ctx.RetryTarget = m.sched.Now().Add(delay)

	m.retryGen++
	gen := m.retryGen
	logging.Debug("connection: retry %d/%d in %s", m.ctx.Attempt, m.cfg.MaxAttempts, delay)
	m.retryCancel = m.sched.After(delay, func() {
		m.retryTimerFired(gen)
	})
}

// retryTimerFired runs when the backoff delay elapses. A stale
// generation means the machine left the waiting state in the meantime.
func (m *Machine) retryTimerFired(gen int) {
	m.mu.Lock()
	if gen != m.retryGen || m.state != StateReconnectWaiting {
		m.mu.Unlock()
		return
	}
	m.ctx.RetryTarget = time.Time{}
	m.retryCancel = nil
	m.transition(StateReconnectAttempting)
	m.notifyLocked()
}

// cancelRetryLocked stops a pending backoff timer, if any.
func (m *Machine) cancelRetryLocked() {
	if m.retryCancel != nil {
		m.retryCancel()
		m.retryCancel = nil
	}
	m.retryGen++
}

// resetContext clears all reconnect bookkeeping. Caller must hold the lock.
func (m *Machine) resetContext() {
	m.cancelRetryLocked()
	m.ctx.Attempt = 0
	m.ctx.NextRetryDelay = 0
	m.ctx.RetryTarget = time.Time{}
	m.ctx.LastError = ""
}

// transition records the new state. Caller must hold the lock.
func (m *Machine) transition(next State) {
	if next != m.state {
		logging.Debug("connection: %s -> %s", m.state, next)
	}
	m.state = next
}

// notifyLocked releases the lock and invokes the observer with a
// consistent snapshot of the transition that was just applied.
func (m *Machine) notifyLocked() {
	state := m.state
	ctx := m.ctx
	m.mu.Unlock()
	if m.observer != nil {
		m.observer(state, ctx)
	}
}
