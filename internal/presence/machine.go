package presence

import (
	"sync"
	"time"

	"github.com/meszmate/anchor/internal/logging"
)

// State represents the user's presence state.
type State int

const (
	StateDisconnected State = iota
	StateUserOnline
	StateUserAway
	StateUserDnd
	StateAutoAway
	StateAutoXA
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateUserOnline:
		return "online"
	case StateUserAway:
		return "away"
	case StateUserDnd:
		return "dnd"
	case StateAutoAway:
		return "auto-away"
	case StateAutoXA:
		return "auto-xa"
	default:
		return "unknown"
	}
}

// Preference is an explicitly chosen availability. It is also the type
// of the saved pre-auto-away state, which is never dnd.
type Preference string

const (
	PrefOnline Preference = "online"
	PrefAway   Preference = "away"
	PrefDnd    Preference = "dnd"
)

// Show is the broadcastable XMPP show value derived from the state.
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowDnd    Show = "dnd"
	ShowXA     Show = "xa"
)

// AutoAwayConfig tunes automatic away detection.
type AutoAwayConfig struct {
	Enabled       bool
	IdleThreshold time.Duration
	CheckInterval time.Duration
}

// AutoAwayPatch is a partial AutoAwayConfig update; nil fields are left
// unchanged.
type AutoAwayPatch struct {
	Enabled       *bool
	IdleThreshold *time.Duration
	CheckInterval *time.Duration
}

// Context carries the presence bookkeeping. LastUserPreference and
// Config survive disconnects; everything else resets on disconnect.
type Context struct {
	StatusMessage string

	// PreAutoAwayState is the explicit state to restore when activity
	// resumes. Only ever online or away, and only set in auto states.
	PreAutoAwayState         Preference
	PreAutoAwayStatusMessage string

	IdleSince          time.Time
	LastUserPreference Preference
	Config             AutoAwayConfig
}

// Observer receives every presence transition along with the derived
// broadcastable show/status pair.
type Observer func(state State, show Show, status string)

// Machine owns the user's availability state. It is driven by the
// connection lifecycle (Connect/Disconnect), explicit user choices
// (SetPresence), and host signals (idle, activity, sleep, wake).
// Auto-away never overrides DND, and auto states always remember the
// explicit state they replaced.
type Machine struct {
	mu       sync.Mutex
	state    State
	ctx      Context
	observer Observer
}

// DefaultAutoAwayConfig returns the default auto-away configuration.
func DefaultAutoAwayConfig() AutoAwayConfig {
	return AutoAwayConfig{
		Enabled:       true,
		IdleThreshold: 5 * time.Minute,
		CheckInterval: 30 * time.Second,
	}
}

// NewMachine creates a presence machine in the disconnected state.
func NewMachine(cfg AutoAwayConfig, observer Observer) *Machine {
	return &Machine{
		state: StateDisconnected,
		ctx: Context{
			LastUserPreference: PrefOnline,
			Config:             cfg,
		},
		observer: observer,
	}
}

// State returns the current presence state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Context returns a snapshot of the presence context.
func (m *Machine) Context() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Show returns the currently broadcastable show/status pair.
func (m *Machine) Show() (Show, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.showLocked()
}

// Connect restores the user's last explicit preference rather than
// defaulting to online.
func (m *Machine) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	switch m.ctx.LastUserPreference {
	case PrefDnd:
		m.transition(StateUserDnd)
	case PrefAway:
		m.transition(StateUserAway)
	default:
		m.transition(StateUserOnline)
	}
	m.notifyLocked()
}

// Disconnect resets everything except the last explicit preference and
// the auto-away configuration.
func (m *Machine) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.ctx.StatusMessage = ""
	m.ctx.PreAutoAwayState = ""
	m.ctx.PreAutoAwayStatusMessage = ""
	m.ctx.IdleSince = time.Time{}
	m.transition(StateDisconnected)
	m.notifyLocked()
}

// SetPresence applies an explicit user choice. It is accepted in every
// connected state and always records the preference for restoration
// after a disconnect. Entering an explicit state clears the auto-away
// bookkeeping.
func (m *Machine) SetPresence(pref Preference, status string) {
	m.mu.Lock()
	if m.state == StateDisconnected {
		// Remember the choice for the next connect.
		m.ctx.LastUserPreference = pref
		m.mu.Unlock()
		return
	}

	m.ctx.LastUserPreference = pref
	m.ctx.StatusMessage = status
	m.clearAutoLocked()

	switch pref {
	case PrefDnd:
		m.transition(StateUserDnd)
	case PrefAway:
		m.transition(StateUserAway)
	default:
		m.transition(StateUserOnline)
	}
	m.notifyLocked()
}

// IdleDetected downgrades online to auto-away. Away is already away and
// DND is never auto-overridden, so both ignore it.
func (m *Machine) IdleDetected(since time.Time) {
	m.mu.Lock()
	if m.state != StateUserOnline {
		m.mu.Unlock()
		return
	}
	m.ctx.PreAutoAwayState = PrefOnline
	m.ctx.PreAutoAwayStatusMessage = m.ctx.StatusMessage
	m.ctx.IdleSince = since
	m.transition(StateAutoAway)
	m.notifyLocked()
}

// SleepDetected downgrades online or away to extended-away, and
// escalates an existing auto-away without overwriting the originally
// saved state or status message. DND blocks it entirely.
func (m *Machine) SleepDetected() {
	m.mu.Lock()
	switch m.state {
	case StateUserOnline:
		m.ctx.PreAutoAwayState = PrefOnline
		m.ctx.PreAutoAwayStatusMessage = m.ctx.StatusMessage
		m.transition(StateAutoXA)
	case StateUserAway:
		m.ctx.PreAutoAwayState = PrefAway
		m.ctx.PreAutoAwayStatusMessage = m.ctx.StatusMessage
		m.transition(StateAutoXA)
	case StateAutoAway:
		// Escalate, keeping the earliest saved state and message.
		m.transition(StateAutoXA)
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// ActivityDetected restores the pre-auto-away state.
func (m *Machine) ActivityDetected() {
	m.restoreFromAuto()
}

// WakeDetected restores the pre-auto-away state.
func (m *Machine) WakeDetected() {
	m.restoreFromAuto()
}

// SetAutoAwayConfig merges a partial configuration update without
// changing the current presence state. Accepted in every state.
func (m *Machine) SetAutoAwayConfig(patch AutoAwayPatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.Enabled != nil {
		m.ctx.Config.Enabled = *patch.Enabled
	}
	if patch.IdleThreshold != nil {
		m.ctx.Config.IdleThreshold = *patch.IdleThreshold
	}
	if patch.CheckInterval != nil {
		m.ctx.Config.CheckInterval = *patch.CheckInterval
	}
}

// restoreFromAuto leaves an auto state for the saved explicit state,
// restoring the saved status message and clearing the auto fields.
func (m *Machine) restoreFromAuto() {
	m.mu.Lock()
	switch m.state {
	case StateAutoAway:
		m.ctx.StatusMessage = m.ctx.PreAutoAwayStatusMessage
		m.clearAutoLocked()
		m.transition(StateUserOnline)
	case StateAutoXA:
		saved := m.ctx.PreAutoAwayState
		m.ctx.StatusMessage = m.ctx.PreAutoAwayStatusMessage
		m.clearAutoLocked()
		if saved == PrefAway {
			m.transition(StateUserAway)
		} else {
			m.transition(StateUserOnline)
		}
	default:
		m.mu.Unlock()
		return
	}
	m.notifyLocked()
}

// clearAutoLocked clears the auto-away bookkeeping. Caller holds the lock.
func (m *Machine) clearAutoLocked() {
	m.ctx.PreAutoAwayState = ""
	m.ctx.PreAutoAwayStatusMessage = ""
	m.ctx.IdleSince = time.Time{}
}

// showLocked derives the broadcastable show/status. Caller holds the lock.
func (m *Machine) showLocked() (Show, string) {
	switch m.state {
	case StateUserAway, StateAutoAway:
		return ShowAway, m.ctx.StatusMessage
	case StateUserDnd:
		return ShowDnd, m.ctx.StatusMessage
	case StateAutoXA:
		return ShowXA, m.ctx.StatusMessage
	default:
		return ShowOnline, m.ctx.StatusMessage
	}
}

// transition records the new state. Caller must hold the lock.
func (m *Machine) transition(next State) {
	if next != m.state {
		logging.Debug("presence: %s -> %s", m.state, next)
	}
	m.state = next
}

// notifyLocked releases the lock and invokes the observer with the
// transition that was just applied.
func (m *Machine) notifyLocked() {
	state := m.state
	show, status := m.showLocked()
	m.mu.Unlock()
	if m.observer != nil {
		m.observer(state, show, status)
	}
}
