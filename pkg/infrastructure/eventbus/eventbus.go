// Package eventbus provides the in-process implementation of events.Publisher.
package eventbus

import (
	"sync"

	"github.com/devosoft/avida-bridge/pkg/events"
)

// DefaultHistory is the number of events kept for Recent when New is given
// a non-positive size.
const DefaultHistory = 256

// InProcessEventBus is a synchronous in-process event bus.
// It dispatches events to registered handlers immediately on Publish(),
// so handlers must be quick and must not publish back into the bus.
// The last few events are retained for late observers.
type InProcessEventBus struct {
	handlers    map[string][]events.Handler
	allHandlers []events.Handler
	mu          sync.RWMutex
	closed      bool

	histMu  sync.Mutex
	history []events.Event
	next    int
	full    bool
}

// New creates a new in-process event bus retaining historySize events.
func New(historySize int) *InProcessEventBus {
	if historySize <= 0 {
		historySize = DefaultHistory
	}
	return &InProcessEventBus{
		handlers:    make(map[string][]events.Handler),
		allHandlers: make([]events.Handler, 0),
		history:     make([]events.Event, historySize),
	}
}

// Publish records the event and dispatches it to all matching handlers.
// Handlers for the specific event type are called first, then global handlers.
func (b *InProcessEventBus) Publish(event events.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	b.remember(event)

	for _, handler := range b.handlers[event.Type] {
		handler(event)
	}
	for _, handler := range b.allHandlers {
		handler(event)
	}
}

// Subscribe registers a handler for a specific event type.
func (b *InProcessEventBus) Subscribe(eventType string, handler events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *InProcessEventBus) SubscribeAll(handler events.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.allHandlers = append(b.allHandlers, handler)
}

// Close marks the bus as closed. No more events will be dispatched.
func (b *InProcessEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
}

// Recent returns retained events, oldest first.
func (b *InProcessEventBus) Recent() []events.Event {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	if !b.full {
		out := make([]events.Event, b.next)
		copy(out, b.history[:b.next])
		return out
	}
	out := make([]events.Event, 0, len(b.history))
	out = append(out, b.history[b.next:]...)
	return append(out, b.history[:b.next]...)
}

func (b *InProcessEventBus) remember(event events.Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()

	b.history[b.next] = event
	b.next++
	if b.next == len(b.history) {
		b.next = 0
		b.full = true
	}
}

// HandlerCount returns the total number of registered handlers (for diagnostics).
func (b *InProcessEventBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allHandlers)
	for _, handlers := range b.handlers {
		count += len(handlers)
	}
	return count
}

// Verify interface compliance at compile time.
var _ events.Publisher = (*InProcessEventBus)(nil)
