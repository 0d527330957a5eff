// Package lifecycle provides observer hooks for relay transitions.
package lifecycle

import (
	"sync"

	"github.com/neboloop/tabrelay/internal/logging"
)

// Event types for lifecycle hooks
type Event string

const (
	// Server lifecycle events
	EventServerStarted   Event = "server_started"
	EventShutdownStarted Event = "shutdown_started"

	// Extension channel events
	EventExtensionConnected    Event = "extension_connected"
	EventExtensionDisconnected Event = "extension_disconnected"
	EventAttached              Event = "attached"
	EventDetached              Event = "detached"

	// Client channel events
	EventClientConnected    Event = "client_connected"
	EventClientDisconnected Event = "client_disconnected"
)

// Handler is a function that handles a lifecycle event
type Handler func(event Event, data any)

// Manager manages lifecycle event subscriptions and dispatching.
// A nil *Manager ignores registrations and emits.
type Manager struct {
	mu       sync.RWMutex
	handlers map[Event][]Handler
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{handlers: make(map[Event][]Handler)}
}

// On registers a handler for a lifecycle event
func (m *Manager) On(event Event, handler Handler) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[event] = append(m.handlers[event], handler)
}

// Emit dispatches an event to all registered handlers
func (m *Manager) Emit(event Event, data any) {
	if m == nil {
		return
	}
	m.mu.RLock()
	handlers := m.handlers[event]
	m.mu.RUnlock()

	logging.Debugf("[lifecycle] Emitting event: %s", event)
	for _, h := range handlers {
		// Handlers run synchronously; they can spawn goroutines if needed
		h(event, data)
	}
}

// ClientEventData accompanies client connect/disconnect events.
type ClientEventData struct {
	ClientID   string
	RemoteAddr string
}

// DetachEventData accompanies EventDetached.
type DetachEventData struct {
	Reason  error
	Pending int // requests failed by the detach
}

// OnAttached registers a handler called when the extension acknowledges an
// attach. The argument is the raw target description.
func (m *Manager) OnAttached(handler func(target []byte)) {
	m.On(EventAttached, func(e Event, data any) {
		if raw, ok := data.([]byte); ok {
			handler(raw)
		}
	})
}

// OnDetached registers a handler for detach events.
func (m *Manager) OnDetached(handler func(data DetachEventData)) {
	m.On(EventDetached, func(e Event, data any) {
		if d, ok := data.(DetachEventData); ok {
			handler(d)
		}
	})
}

// OnClientConnected registers a handler for new client connections.
func (m *Manager) OnClientConnected(handler func(data ClientEventData)) {
	m.On(EventClientConnected, func(e Event, data any) {
		if d, ok := data.(ClientEventData); ok {
			handler(d)
		}
	})
}

// OnClientDisconnected registers a handler for client disconnects.
func (m *Manager) OnClientDisconnected(handler func(data ClientEventData)) {
	m.On(EventClientDisconnected, func(e Event, data any) {
		if d, ok := data.(ClientEventData); ok {
			handler(d)
		}
	})
}

// OnShutdown registers a shutdown handler
func (m *Manager) OnShutdown(handler func()) {
	m.On(EventShutdownStarted, func(e Event, data any) {
		handler()
	})
}
