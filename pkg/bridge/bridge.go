// Package bridge assembles the engine message bridge.
//
// A Bridge owns the inbound queue, the engine state tracker, the diagnostic
// mirror, the consumer router and the outbound dispatcher. There is no
// package-level state; every component is reached through the instance.
package bridge

import (
	"context"

	"github.com/devosoft/avida-bridge/pkg/bus"
	"github.com/devosoft/avida-bridge/pkg/config"
	"github.com/devosoft/avida-bridge/pkg/dispatch"
	"github.com/devosoft/avida-bridge/pkg/engine"
	"github.com/devosoft/avida-bridge/pkg/infrastructure/eventbus"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
	"github.com/devosoft/avida-bridge/pkg/router"
)

// Option customizes New.
type Option func(*options)

type options struct {
	events *eventbus.InProcessEventBus
	sinks  map[string]mirror.Sink
}

// WithEventBus publishes lifecycle events on bus instead of a private one.
func WithEventBus(bus *eventbus.InProcessEventBus) Option {
	return func(o *options) { o.events = bus }
}

// WithSink makes a caller-owned sink available under name to the
// diagnostics sink list.
func WithSink(name string, sink mirror.Sink) Option {
	return func(o *options) {
		if o.sinks == nil {
			o.sinks = make(map[string]mirror.Sink)
		}
		o.sinks[name] = sink
	}
}

// Stats summarizes bridge traffic.
type Stats struct {
	Queue    QueueStats     `json:"queue"`
	Dispatch dispatch.Stats `json:"dispatch"`
	Mirror   MirrorStats    `json:"mirror"`
}

type QueueStats struct {
	Pushed  uint64 `json:"pushed"`
	Drained uint64 `json:"drained"`
	Depth   int    `json:"depth"`
}

type MirrorStats struct {
	Enabled bool   `json:"enabled"`
	Sink    string `json:"sink,omitempty"`
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
}

// Bridge is one engine's message bridge.
type Bridge struct {
	queue      *bus.Queue
	tracker    *engine.Tracker
	mirror     mirror.Mirror
	async      *mirror.Async // nil when diagnostics are disabled
	sinkName   string
	router     *router.Router
	dispatcher *dispatch.Dispatcher
	events     *eventbus.InProcessEventBus
	ownEvents  bool
}

// New builds a bridge from cfg. Diagnostic sinks are created here; a sink
// that cannot be built fails construction.
func New(cfg *config.Config, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{events: o.events}
	if b.events == nil {
		b.events = eventbus.New(eventbus.DefaultHistory)
		b.ownEvents = true
	}

	b.queue = bus.NewQueue()
	b.tracker = engine.NewTracker(b.events)

	b.mirror = mirror.Nop{}
	if cfg.Diagnostics.Enabled {
		sink, err := mirror.Build(cfg.Diagnostics.Sinks, cfg.Diagnostics, o.sinks)
		if err != nil {
			return nil, err
		}
		b.async = mirror.NewAsync(sink, b.tracker, mirror.AsyncOptions{
			Buffer:       cfg.Diagnostics.Buffer,
			WriteTimeout: cfg.Diagnostics.WriteTimeout,
			Events:       b.events,
		})
		b.mirror = b.async
		b.sinkName = sink.Name()
	}

	roles := make([]router.Role, 0, len(cfg.Router.Roles))
	for _, r := range cfg.Router.Roles {
		roles = append(roles, router.Role(r))
	}
	b.router = router.New(b.queue, router.Options{
		Roles:       roles,
		DefaultRole: router.Role(cfg.Router.DefaultRole),
		Mirror:      b.mirror,
		Events:      b.events,
	})
	b.dispatcher = dispatch.New(b.tracker, b.router, dispatch.Options{
		TelemetryTypes: cfg.Dispatch.TelemetryTypes,
		Mirror:         b.mirror,
		Events:         b.events,
	})

	logger.InfoCF("bridge", "Bridge ready", map[string]interface{}{
		"roles":       cfg.Router.Roles,
		"diagnostics": cfg.Diagnostics.Enabled,
		"sink":        b.sinkName,
	})
	return b, nil
}

// Push queues a message from an in-process consumer holding role.
func (b *Bridge) Push(role string, msg message.Message) {
	b.router.Submit(router.Role(role), msg)
}

// DrainAll is the engine's pull: every queued message, serialized, in
// arrival order. Empty (not nil) when nothing is waiting.
func (b *Bridge) DrainAll() [][]byte {
	return b.encode(b.queue.DrainAll())
}

// Next pops a single serialized message.
func (b *Bridge) Next() ([]byte, bool) {
	for {
		msg, ok := b.queue.Next()
		if !ok {
			return nil, false
		}
		if data := b.encode([]message.Message{msg}); len(data) == 1 {
			return data[0], true
		}
	}
}

// DrainMessages is DrainAll for an engine in the same process.
func (b *Bridge) DrainMessages() []message.Message {
	return b.queue.DrainAll()
}

// Dispatch handles one serialized message emitted by the engine.
func (b *Bridge) Dispatch(ctx context.Context, raw []byte) error {
	return b.dispatcher.Dispatch(ctx, raw)
}

// DispatchMessage handles a decoded message from an in-process engine.
func (b *Bridge) DispatchMessage(ctx context.Context, msg message.Message) error {
	return b.dispatcher.DispatchMessage(ctx, msg)
}

// State returns the derived engine state.
func (b *Bridge) State() engine.State {
	return b.tracker.CurrentState()
}

func (b *Bridge) Router() *router.Router              { return b.router }
func (b *Bridge) Events() *eventbus.InProcessEventBus { return b.events }

// Ready is signalled when consumers queue a message, so an in-process
// engine can wake on input instead of waiting for its next poll.
func (b *Bridge) Ready() <-chan struct{} { return b.queue.Ready() }

// Stats reports traffic counters.
func (b *Bridge) Stats() Stats {
	pushed, drained, depth := b.queue.Stats()
	st := Stats{
		Queue:    QueueStats{Pushed: pushed, Drained: drained, Depth: depth},
		Dispatch: b.dispatcher.Stats(),
		Mirror:   MirrorStats{Enabled: b.async != nil, Sink: b.sinkName},
	}
	if b.async != nil {
		st.Mirror.Written, st.Mirror.Failed, st.Mirror.Dropped = b.async.Stats()
	}
	return st
}

// Close stops the diagnostic mirror. Queued messages are left in place.
func (b *Bridge) Close() error {
	var err error
	if b.async != nil {
		err = b.async.Close()
	}
	if b.ownEvents {
		b.events.Close()
	}
	return err
}

// encode serializes msgs, skipping any that cannot be encoded.
func (b *Bridge) encode(msgs []message.Message) [][]byte {
	out := make([][]byte, 0, len(msgs))
	for _, m := range msgs {
		data, err := message.Encode(m)
		if err != nil {
			logger.ErrorCF("bridge", "Dropping queued message that cannot be encoded", map[string]interface{}{
				"type":  m.Type(),
				"error": err.Error(),
			})
			continue
		}
		out = append(out, data)
	}
	return out
}
