package room

import (
	"sync"
	"time"

	"github.com/meszmate/anchor/internal/archive"
)

// Room is a MUC room target. Joined is set once the server confirms our
// self-presence; Transient marks ephemeral rooms that keep no archive.
type Room struct {
	JID        string
	Name       string
	Nick       string
	Joined     bool
	Transient  bool
	Messages   []archive.Message
	Unread     int
	LastActive time.Time
}

// JoinObserver is notified when a room finishes joining
// (self-presence confirmed), edge-triggered.
type JoinObserver func(jid string)

// ActiveObserver is notified when the active room changes.
type ActiveObserver func(oldJID, newJID string)

// Manager is the registry of MUC rooms.
type Manager struct {
	mu       sync.RWMutex
	rooms    map[string]*Room
	active   string
	cap      int
	onJoin   JoinObserver
	onActive ActiveObserver
}

// NewManager creates a room registry. cap bounds each room's in-memory
// message sequence.
func NewManager(cap int, onJoin JoinObserver, onActive ActiveObserver) *Manager {
	if cap <= 0 {
		cap = archive.DefaultRetentionCap
	}
	return &Manager{
		rooms:    make(map[string]*Room),
		cap:      cap,
		onJoin:   onJoin,
		onActive: onActive,
	}
}

// Add registers a room we intend to join.
func (m *Manager) Add(jid, nick string, transient bool) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[jid]; ok {
		return r
	}
	r := &Room{JID: jid, Nick: nick, Transient: transient}
	m.rooms[jid] = r
	return r
}

// Get returns a room by JID, or nil.
func (m *Manager) Get(jid string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[jid]
}

// SetJoined marks a room as joined. The join observer fires only on the
// false-to-true edge.
func (m *Manager) SetJoined(jid string) {
	m.mu.Lock()
	r, ok := m.rooms[jid]
	if !ok || r.Joined {
		m.mu.Unlock()
		return
	}
	r.Joined = true
	m.mu.Unlock()

	if m.onJoin != nil {
		m.onJoin(jid)
	}
}

// SetLeft marks a room as no longer joined.
func (m *Manager) SetLeft(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[jid]; ok {
		r.Joined = false
	}
}

// SetActive changes the active room, notifying on an actual change.
func (m *Manager) SetActive(jid string) {
	m.mu.Lock()
	old := m.active
	if old == jid {
		m.mu.Unlock()
		return
	}
	m.active = jid
	m.mu.Unlock()

	if m.onActive != nil {
		m.onActive(old, jid)
	}
}

// Active returns the active room JID, or empty.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// JoinedJIDs returns the JIDs of all joined, non-transient rooms.
func (m *Manager) JoinedJIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jids []string
	for jid, r := range m.rooms {
		if r.Joined && !r.Transient {
			jids = append(jids, jid)
		}
	}
	return jids
}

// Newest returns the newest message in a room's in-memory sequence.
func (m *Manager) Newest(jid string) (archive.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[jid]
	if !ok || len(r.Messages) == 0 {
		return archive.Message{}, false
	}
	return r.Messages[len(r.Messages)-1], true
}

// Messages returns the current in-memory sequence for a room.
func (m *Manager) Messages(jid string) []archive.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[jid]
	if !ok {
		return nil
	}
	return r.Messages
}

// Append adds a single live message, deduplicated and interleaved.
func (m *Manager) Append(jid string, msg archive.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[jid]
	if !ok {
		return false
	}
	res := archive.MergeForward(r.Messages, []archive.Message{msg}, m.cap)
	r.Messages = res.Messages
	if res.Added > 0 {
		r.LastActive = msg.Timestamp
		if !msg.Outgoing && jid != m.active {
			r.Unread++
		}
	}
	return res.Added > 0
}

// MergeForward folds a catch-up batch into the room's sequence.
func (m *Manager) MergeForward(jid string, batch []archive.Message) archive.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[jid]
	if !ok {
		return archive.MergeResult{}
	}
	res := archive.MergeForward(r.Messages, batch, m.cap)
	r.Messages = res.Messages
	return res
}

// MergeBackward folds an older-history batch into the room's sequence.
func (m *Manager) MergeBackward(jid string, batch []archive.Message) archive.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[jid]
	if !ok {
		return archive.MergeResult{}
	}
	res := archive.MergeBackward(r.Messages, batch, m.cap)
	r.Messages = res.Messages
	return res
}

// MarkRead clears the unread counter for a room.
func (m *Manager) MarkRead(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[jid]; ok {
		r.Unread = 0
	}
}

// Remove drops a room entirely.
func (m *Manager) Remove(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, jid)
	if m.active == jid {
		m.active = ""
	}
}

// Reset drops all rooms. Used on a full cache reset.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms = make(map[string]*Room)
	m.active = ""
}
