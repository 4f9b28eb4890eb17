package core

import "sync"

// EventType identifies the kind of event fired on the bus.
type EventType int

const (
	EventConfigReloaded EventType = iota
	EventConfigRejected
	EventThrottleToggled
	EventTargetChanged
	EventShutdownRequested
)

func (t EventType) String() string {
	switch t {
	case EventConfigReloaded:
		return "config_reloaded"
	case EventConfigRejected:
		return "config_rejected"
	case EventThrottleToggled:
		return "throttle_toggled"
	case EventTargetChanged:
		return "target_changed"
	case EventShutdownRequested:
		return "shutdown_requested"
	default:
		return "unknown"
	}
}

// Event carries data about something that happened in the system.
type Event struct {
	Type    EventType
	Payload any
}

// ConfigPayload is the payload for EventConfigReloaded.
type ConfigPayload struct {
	Config Config
}

// TogglePayload is the payload for EventThrottleToggled.
type TogglePayload struct {
	Enabled bool
}

// TargetPayload is the payload for EventTargetChanged.
type TargetPayload struct {
	Old string
	New string
}

// Handler is a callback for bus subscribers.
type Handler func(Event)

// EventBus provides pub/sub between system components.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEventBus creates a ready-to-use event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]Handler),
	}
}

// Subscribe registers a handler for a given event type.
func (eb *EventBus) Subscribe(t EventType, h Handler) {
	eb.mu.Lock()
	eb.handlers[t] = append(eb.handlers[t], h)
	eb.mu.Unlock()
}

// Publish fires an event to all subscribed handlers synchronously.
func (eb *EventBus) Publish(e Event) {
	eb.mu.RLock()
	handlers := eb.handlers[e.Type]
	eb.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}
