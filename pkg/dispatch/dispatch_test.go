package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/devosoft/avida-bridge/pkg/engine"
	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/message"
	"github.com/devosoft/avida-bridge/pkg/mirror"
)

type collectingConsumer struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (c *collectingConsumer) Deliver(msg message.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collectingConsumer) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type()
	}
	return out
}

type mirrored struct {
	dir  mirror.Direction
	role string
	msg  message.Message
}

type collectingMirror struct {
	mu      sync.Mutex
	records []mirrored
}

func (m *collectingMirror) Mirror(dir mirror.Direction, role string, msg message.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, mirrored{dir, role, msg})
}

type countingPublisher struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *countingPublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = map[string]int{}
	}
	p.counts[e.Type]++
}

func (p *countingPublisher) count(t string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[t]
}

func newTestDispatcher(opts Options) (*Dispatcher, *engine.Tracker, *collectingConsumer) {
	tracker := engine.NewTracker(nil)
	consumer := &collectingConsumer{}
	return New(tracker, consumer, opts), tracker, consumer
}

func TestTelemetryNeverReachesConsumers(t *testing.T) {
	m := &collectingMirror{}
	d, _, consumer := newTestDispatcher(Options{Mirror: m})
	ctx := context.Background()

	payloads := []string{
		`{"type":"update","update":1}`,
		`{"type":"debug","message":"tick"}`,
		`{"type":"status","status":"Running","update":1}`,
		`{"type":"update","update":2}`,
		`{"type":"popStats","organisms":120}`,
	}
	for _, p := range payloads {
		if err := d.Dispatch(ctx, []byte(p)); err != nil {
			t.Fatalf("dispatch %s: %v", p, err)
		}
	}

	got := consumer.types()
	want := []string{"status", "popStats"}
	if len(got) != len(want) {
		t.Fatalf("consumer got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("consumer[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	if len(m.records) != len(payloads) {
		t.Errorf("mirrored %d messages, want every one (%d)", len(m.records), len(payloads))
	}
	for _, r := range m.records {
		if r.dir != mirror.DirectionOut || r.role != mirror.RoleEngine {
			t.Errorf("mirror record tagged %s/%s", r.dir, r.role)
		}
	}

	st := d.Stats()
	if st.Telemetry != 3 || st.Forwarded != 2 || st.Dispatched != 5 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExtraTelemetryTypes(t *testing.T) {
	d, _, consumer := newTestDispatcher(Options{TelemetryTypes: []string{"heartbeat", ""}})

	tests := []struct {
		typ  string
		want bool
	}{
		{"update", true},
		{"debug", true},
		{"heartbeat", true},
		{"status", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := d.IsTelemetry(tt.typ); got != tt.want {
			t.Errorf("IsTelemetry(%q) = %v, want %v", tt.typ, got, tt.want)
		}
	}

	d.Dispatch(context.Background(), []byte(`{"type":"heartbeat"}`))
	if n := len(consumer.types()); n != 0 {
		t.Errorf("heartbeat reached consumer %d times", n)
	}
}

func TestMalformedPayloadIsolation(t *testing.T) {
	m := &collectingMirror{}
	pub := &countingPublisher{}
	d, tracker, consumer := newTestDispatcher(Options{Mirror: m, Events: pub})
	ctx := context.Background()

	d.Dispatch(ctx, []byte(`{"type":"status","status":"Running","update":3}`))
	before := tracker.CurrentState()

	for _, raw := range []string{`{"type":"status",`, `[1,2]`, `{"update":9}`, `{"type":"update","update":"nine"}`} {
		err := d.Dispatch(ctx, []byte(raw))
		if !errors.Is(err, message.ErrMalformedPayload) {
			t.Errorf("Dispatch(%s) error = %v, want ErrMalformedPayload", raw, err)
		}
	}
	if tracker.CurrentState() != before {
		t.Errorf("state changed by malformed input: %+v -> %+v", before, tracker.CurrentState())
	}
	if n := len(consumer.types()); n != 1 {
		t.Errorf("consumer saw %d messages, want 1", n)
	}
	if len(m.records) != 1 {
		t.Errorf("malformed payloads were mirrored")
	}
	if pub.count(events.PayloadMalformed) != 4 {
		t.Errorf("payload.malformed events = %d, want 4", pub.count(events.PayloadMalformed))
	}

	// The next well-formed message is processed normally.
	if err := d.Dispatch(ctx, []byte(`{"type":"status","status":"Paused","update":4}`)); err != nil {
		t.Fatalf("dispatch after malformed: %v", err)
	}
	if st := tracker.CurrentState(); st.Running || st.UpdateCounter != 4 {
		t.Errorf("state = %+v", st)
	}
	if d.Stats().Malformed != 4 {
		t.Errorf("malformed count = %d", d.Stats().Malformed)
	}
}

func TestOutOfRangeUpdateAfterFreshStart(t *testing.T) {
	d, tracker, consumer := newTestDispatcher(Options{})
	ctx := context.Background()

	if err := d.Dispatch(ctx, []byte(`{"type":"ready"}`)); err != nil {
		t.Fatalf("dispatch ready: %v", err)
	}
	before := tracker.CurrentState()

	for _, raw := range []string{
		`{"type":"update","update":1e19}`,
		`{"type":"update","update":9223372036854775808}`,
		`{"type":"status","status":"Running","update":1e30}`,
	} {
		if err := d.Dispatch(ctx, []byte(raw)); !errors.Is(err, message.ErrMalformedPayload) {
			t.Errorf("Dispatch(%s) error = %v, want ErrMalformedPayload", raw, err)
		}
	}
	if st := tracker.CurrentState(); st != before {
		t.Fatalf("state changed by out-of-range update: %+v -> %+v", before, st)
	}
	if n := len(consumer.types()); n != 1 {
		t.Errorf("consumer saw %d messages, want only the ready", n)
	}

	// The fresh start is still armed for the first valid update.
	if err := d.Dispatch(ctx, []byte(`{"type":"update","update":3}`)); err != nil {
		t.Fatalf("dispatch update: %v", err)
	}
	if st := tracker.CurrentState(); st.UpdateCounter != 3 || st.Epoch != before.Epoch+1 {
		t.Errorf("state = %+v, want counter 3 in epoch %d", st, before.Epoch+1)
	}
}

func TestUnknownStatusStillForwarded(t *testing.T) {
	d, tracker, consumer := newTestDispatcher(Options{})
	raw := `{"type":"status","status":"Exploded"}`

	err := d.Dispatch(context.Background(), []byte(raw))
	if !errors.Is(err, engine.ErrUnknownEngineState) {
		t.Fatalf("error = %v, want ErrUnknownEngineState", err)
	}
	if len(consumer.msgs) != 1 {
		t.Fatalf("consumer got %d messages, want 1", len(consumer.msgs))
	}
	want := message.MustNew(message.TypeStatus, map[string]any{"status": "Exploded"})
	if !message.Equal(consumer.msgs[0], want) {
		t.Errorf("forwarded %v, want unchanged %v", consumer.msgs[0], want)
	}
	if tracker.CurrentState().Phase != engine.PhaseNotStarted {
		t.Errorf("phase changed to %s", tracker.CurrentState().Phase)
	}
	if d.Stats().UnknownState != 1 {
		t.Errorf("unknown state count = %d", d.Stats().UnknownState)
	}
}

func TestDispatchFoldsState(t *testing.T) {
	d, tracker, _ := newTestDispatcher(Options{})
	ctx := context.Background()
	for _, raw := range []string{
		`{"type":"status","status":"Running"}`,
		`{"type":"update","update":5}`,
		`{"type":"status","status":"Paused"}`,
		`{"type":"update","update":12}`,
		`{"type":"status","status":"Running"}`,
		`{"type":"status","status":"Finished"}`,
	} {
		if err := d.Dispatch(ctx, []byte(raw)); err != nil {
			t.Fatalf("dispatch %s: %v", raw, err)
		}
	}
	st := tracker.CurrentState()
	if st.Running {
		t.Error("running after Finished")
	}
	if st.UpdateCounter != 12 {
		t.Errorf("update counter = %d, want 12", st.UpdateCounter)
	}
}

func TestDispatchHonoursCancelledContext(t *testing.T) {
	d, tracker, consumer := newTestDispatcher(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.Dispatch(ctx, []byte(`{"type":"status","status":"Running"}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if tracker.CurrentState().Running || len(consumer.msgs) != 0 {
		t.Error("cancelled dispatch had side effects")
	}
}

func TestDispatchMessage(t *testing.T) {
	d, tracker, consumer := newTestDispatcher(Options{})
	ctx := context.Background()

	if err := d.DispatchMessage(ctx, message.Message{}); err == nil {
		t.Error("zero message accepted")
	}
	msg := message.MustNew(message.TypeStatus, map[string]any{"status": "Running", "update": 0})
	if err := d.DispatchMessage(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !tracker.CurrentState().Running || len(consumer.msgs) != 1 {
		t.Errorf("state = %+v, delivered = %d", tracker.CurrentState(), len(consumer.msgs))
	}
}

func TestConcurrentDispatchIsSerialized(t *testing.T) {
	d, tracker, consumer := newTestDispatcher(Options{})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				d.Dispatch(ctx, []byte(`{"type":"ping"}`))
			}
		}()
	}
	wg.Wait()

	if n := len(consumer.types()); n != 1000 {
		t.Errorf("delivered %d, want 1000", n)
	}
	if d.Stats().Dispatched != 1000 {
		t.Errorf("dispatched = %d", d.Stats().Dispatched)
	}
	if tracker.UpdateCounter() != engine.NotStarted {
		t.Errorf("counter moved without update messages")
	}
}
