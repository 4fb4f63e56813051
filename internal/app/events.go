package app

import (
	"sync"
)

// EventType represents the type of event
type EventType int

const (
	// EventStatusChanged fires when the connection status string
	// changes. Data is the new status.
	EventStatusChanged EventType = iota
	// EventPresenceChanged fires when the broadcast presence changes.
	// Data is a PresenceUpdate.
	EventPresenceChanged
	// EventMessage fires for every live message. Data is the message.
	EventMessage
	// EventHistoryMerged fires after archive results are merged into a
	// target. Data is a HistoryUpdate.
	EventHistoryMerged
	// EventSyncStateChanged fires when a target's archive query state
	// changes. Data is a SyncUpdate.
	EventSyncStateChanged
	// EventRoomJoined fires when a room join is confirmed. Data is the
	// room JID.
	EventRoomJoined
	// EventActiveTargetChanged fires when the focused conversation or
	// room changes. Data is the new target JID, empty for none.
	EventActiveTargetChanged
	// EventArchiveSupport fires when server archive support is
	// (re)discovered. Data is a bool.
	EventArchiveSupport
	// EventRosterUpdate fires when the roster is (re)loaded.
	EventRosterUpdate
	// EventError fires for surfaced failures. Data is the error.
	EventError
)

// EventMsg represents an event from the app layer
type EventMsg struct {
	Type EventType
	Data interface{}
}

// EventHandler is a function that handles events
type EventHandler func(event EventMsg)

// EventBus handles event subscription and publishing
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]EventHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// Subscribe subscribes to an event type
func (b *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish publishes an event to all subscribers
func (b *EventBus) Publish(event EventMsg) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	for _, handler := range handlers {
		go handler(event)
	}
}

// Unsubscribe removes all handlers for an event type
func (b *EventBus) Unsubscribe(eventType EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, eventType)
}

// Clear removes all handlers
func (b *EventBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[EventType][]EventHandler)
}
