package conversation

import (
	"sync"

	"github.com/meszmate/anchor/internal/archive"
)

// Conversation is a 1:1 chat target and its in-memory message sequence.
// The sequence is bounded by the retention cap; the durable cache keeps
// everything.
type Conversation struct {
	JID      string
	Name     string
	Messages []archive.Message
	Unread   int
	Archived bool // hidden from the main list; previews refreshed on a slow cooldown
}

// ActiveObserver is notified when the active conversation changes.
// The old value is empty when nothing was active.
type ActiveObserver func(oldJID, newJID string)

// Manager is the registry of 1:1 conversation targets.
type Manager struct {
	mu       sync.RWMutex
	convs    map[string]*Conversation
	active   string
	cap      int
	onActive ActiveObserver
}

// NewManager creates a conversation registry. cap bounds each
// conversation's in-memory sequence.
func NewManager(cap int, onActive ActiveObserver) *Manager {
	if cap <= 0 {
		cap = archive.DefaultRetentionCap
	}
	return &Manager{
		convs:    make(map[string]*Conversation),
		cap:      cap,
		onActive: onActive,
	}
}

// Ensure returns the conversation for a bare JID, creating it if needed.
func (m *Manager) Ensure(jid string) *Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(jid)
}

func (m *Manager) ensureLocked(jid string) *Conversation {
	if c, ok := m.convs[jid]; ok {
		return c
	}
	c := &Conversation{JID: jid}
	m.convs[jid] = c
	return c
}

// Get returns the conversation for a bare JID, or nil.
func (m *Manager) Get(jid string) *Conversation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.convs[jid]
}

// SetActive changes the active conversation and notifies the observer
// on an actual change. An empty JID deactivates.
func (m *Manager) SetActive(jid string) {
	m.mu.Lock()
	old := m.active
	if old == jid {
		m.mu.Unlock()
		return
	}
	if jid != "" {
		m.ensureLocked(jid)
	}
	m.active = jid
	m.mu.Unlock()

	if m.onActive != nil {
		m.onActive(old, jid)
	}
}

// Active returns the active conversation JID, or empty.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// JIDs returns all known conversation JIDs.
func (m *Manager) JIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jids := make([]string, 0, len(m.convs))
	for jid := range m.convs {
		jids = append(jids, jid)
	}
	return jids
}

// ArchivedJIDs returns the JIDs of archived/hidden conversations.
func (m *Manager) ArchivedJIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jids []string
	for jid, c := range m.convs {
		if c.Archived {
			jids = append(jids, jid)
		}
	}
	return jids
}

// SetArchived marks a conversation as archived/hidden.
func (m *Manager) SetArchived(jid string, archived bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLocked(jid).Archived = archived
}

// Newest returns the newest message in a conversation's in-memory
// sequence, if any.
func (m *Manager) Newest(jid string) (archive.Message, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[jid]
	if !ok || len(c.Messages) == 0 {
		return archive.Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// Messages returns the current in-memory sequence for a conversation.
func (m *Manager) Messages(jid string) []archive.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.convs[jid]
	if !ok {
		return nil
	}
	return c.Messages
}

// Append adds a single live message to the sequence, deduplicated and
// interleaved by timestamp. Returns true if the message was new.
func (m *Manager) Append(jid string, msg archive.Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.ensureLocked(jid)
	res := archive.MergeForward(c.Messages, []archive.Message{msg}, m.cap)
	c.Messages = res.Messages
	if res.Added > 0 && !msg.Outgoing && jid != m.active {
		c.Unread++
	}
	return res.Added > 0
}

// MergeForward folds a catch-up batch into the sequence.
func (m *Manager) MergeForward(jid string, batch []archive.Message) archive.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.ensureLocked(jid)
	res := archive.MergeForward(c.Messages, batch, m.cap)
	c.Messages = res.Messages
	return res
}

// MergeBackward folds an older-history batch into the sequence.
func (m *Manager) MergeBackward(jid string, batch []archive.Message) archive.MergeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.ensureLocked(jid)
	res := archive.MergeBackward(c.Messages, batch, m.cap)
	c.Messages = res.Messages
	return res
}

// MarkRead clears the unread counter for a conversation.
func (m *Manager) MarkRead(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.convs[jid]; ok {
		c.Unread = 0
	}
}

// Delete removes a conversation and its in-memory sequence.
func (m *Manager) Delete(jid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.convs, jid)
	if m.active == jid {
		m.active = ""
	}
}

// Reset drops all conversations. Used on a full cache reset.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs = make(map[string]*Conversation)
	m.active = ""
}
