// Package dispatch handles messages emitted by the engine.
//
// Every payload is decoded, folded into the engine state, copied to the
// diagnostic mirror and, unless it is telemetry, handed to the consumers.
// Update and debug traffic is high-frequency chatter: it reaches the mirror
// but never the consumer channel.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/devosoft/avida-bridge/pkg/engine"
	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
)

// Consumer receives engine output that survived classification.
type Consumer interface {
	Deliver(msg message.Message)
}

// Observer folds outbound messages into derived state.
type Observer interface {
	Observe(msg message.Message) error
}

// DefaultTelemetryTypes are kept away from consumers.
var DefaultTelemetryTypes = []string{message.TypeUpdate, message.TypeDebug}

// Options configures a Dispatcher.
type Options struct {
	// TelemetryTypes are added to DefaultTelemetryTypes.
	TelemetryTypes []string
	Mirror         mirror.Mirror    // nil means mirror.Nop
	Events         events.Publisher // nil means events.Discard
}

// Stats counts dispatch outcomes.
type Stats struct {
	Dispatched   uint64 `json:"dispatched"`
	Forwarded    uint64 `json:"forwarded"`
	Telemetry    uint64 `json:"telemetry"`
	Malformed    uint64 `json:"malformed"`
	UnknownState uint64 `json:"unknown_state"`
}

// Dispatcher processes one engine message at a time.
type Dispatcher struct {
	mu        sync.Mutex
	observer  Observer
	consumer  Consumer
	mirror    mirror.Mirror
	events    events.Publisher
	telemetry map[string]struct{}
	stats     Stats
}

// New creates a dispatcher feeding observer and consumer.
func New(observer Observer, consumer Consumer, opts Options) *Dispatcher {
	if opts.Mirror == nil {
		opts.Mirror = mirror.Nop{}
	}
	if opts.Events == nil {
		opts.Events = events.Discard
	}
	telemetry := make(map[string]struct{}, len(DefaultTelemetryTypes)+len(opts.TelemetryTypes))
	for _, t := range DefaultTelemetryTypes {
		telemetry[t] = struct{}{}
	}
	for _, t := range opts.TelemetryTypes {
		if t != "" {
			telemetry[t] = struct{}{}
		}
	}
	return &Dispatcher{
		observer:  observer,
		consumer:  consumer,
		mirror:    opts.Mirror,
		events:    opts.Events,
		telemetry: telemetry,
	}
}

// IsTelemetry reports whether messages of type typ stay off the consumer
// channel.
func (d *Dispatcher) IsTelemetry(typ string) bool {
	_, ok := d.telemetry[typ]
	return ok
}

// Dispatch handles one serialized engine message.
//
// A malformed payload is dropped before it can touch state and the returned
// error wraps message.ErrMalformedPayload. An unrecognized status is still
// forwarded; the returned error then wraps engine.ErrUnknownEngineState.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := message.Decode(raw)
	if err != nil {
		d.mu.Lock()
		d.stats.Malformed++
		d.mu.Unlock()

		logger.WarnCF("dispatch", "Dropping malformed engine payload", map[string]interface{}{
			"error":   err.Error(),
			"preview": events.Truncate(string(raw), 120),
		})
		d.events.Publish(events.New(events.PayloadMalformed, "dispatch", events.PayloadEventData{
			Direction: string(mirror.DirectionOut),
			Role:      mirror.RoleEngine,
			Error:     err.Error(),
			Preview:   events.Truncate(string(raw), 120),
		}))
		return err
	}
	return d.process(msg)
}

// DispatchMessage handles an already decoded engine message, for engines
// running in the same process.
func (d *Dispatcher) DispatchMessage(ctx context.Context, msg message.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.IsZero() {
		return errors.New("dispatch: zero message")
	}
	return d.process(msg)
}

func (d *Dispatcher) process(msg message.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Dispatched++
	err := d.observer.Observe(msg)
	if errors.Is(err, engine.ErrUnknownEngineState) {
		d.stats.UnknownState++
		logger.WarnCF("dispatch", "Engine reported an unknown state", map[string]interface{}{
			"error": err.Error(),
		})
	} else if err != nil {
		logger.ErrorCF("dispatch", "State observer failed", map[string]interface{}{
			"type":  msg.Type(),
			"error": err.Error(),
		})
	}

	d.mirror.Mirror(mirror.DirectionOut, mirror.RoleEngine, msg)

	if d.IsTelemetry(msg.Type()) {
		d.stats.Telemetry++
		return err
	}
	d.stats.Forwarded++
	d.consumer.Deliver(msg)
	return err
}

// Stats returns a snapshot of the counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}
