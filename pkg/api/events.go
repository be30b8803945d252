// Event forwarding: wires the bridge's lifecycle event bus into the
// diagnostics hub so observers see consumer, engine and mirror events as
// they happen.
package api

import (
	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/infrastructure/eventbus"
	"github.com/devosoft/avida-bridge/pkg/logger"
)

// EventForwarder copies bus events to the diagnostics hub.
type EventForwarder struct {
	bus *eventbus.InProcessEventBus
	hub *DiagnosticsHub
}

// NewEventForwarder creates a forwarder. Call Start once.
func NewEventForwarder(bus *eventbus.InProcessEventBus, hub *DiagnosticsHub) *EventForwarder {
	return &EventForwarder{bus: bus, hub: hub}
}

// Start subscribes to every event type. The hub broadcast never blocks, so
// this is safe on the bus's synchronous publish path.
func (f *EventForwarder) Start() {
	f.bus.SubscribeAll(f.forward)
	logger.InfoC("events", "Event forwarder started, lifecycle events go to diagnostics observers")
}

func (f *EventForwarder) forward(e events.Event) {
	f.hub.PublishEvent(e)
}
