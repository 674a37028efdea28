// Package eventbus provides pub/sub notification between session
// components — mode changes, target-set changes, and session faults —
// without the publisher needing to know who (if anyone) is listening.
package eventbus

import "sync"

// Type identifies the kind of event fired on the bus.
type Type int

const (
	EventModeChanged Type = iota
	EventTargetsChanged
	EventSessionStarted
	EventSessionStopped
	EventFault
)

// Event carries data about something that happened in the engine.
type Event struct {
	Type    Type
	Payload any
}

// ModeChangedPayload is the payload for EventModeChanged.
type ModeChangedPayload struct {
	Mode string
}

// TargetsChangedPayload is the payload for EventTargetsChanged.
type TargetsChangedPayload struct {
	Count int
}

// FaultPayload is the payload for EventFault.
type FaultPayload struct {
	Component string
	Err       error
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// Bus provides pub/sub between session components.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// New creates a ready-to-use bus.
func New() *Bus {
	return &Bus{handlers: make(map[Type][]Handler)}
}

// Subscribe registers a handler for a given event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	b.handlers[t] = append(b.handlers[t], h)
	b.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// PublishAsync fires an event to all subscribed handlers in goroutines.
func (b *Bus) PublishAsync(e Event) {
	b.mu.RLock()
	handlers := b.handlers[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		go h(e)
	}
}
