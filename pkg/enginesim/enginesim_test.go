package enginesim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/devosoft/avida-bridge/pkg/bridge"
	"github.com/devosoft/avida-bridge/pkg/config"
	"github.com/devosoft/avida-bridge/pkg/engine"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// scriptPort feeds commands in and records engine output.
type scriptPort struct {
	mu      sync.Mutex
	pending [][]byte
	out     []message.Message
}

func (p *scriptPort) push(typ string, fields map[string]any) {
	raw, _ := message.Encode(message.MustNew(typ, fields))
	p.mu.Lock()
	p.pending = append(p.pending, raw)
	p.mu.Unlock()
}

func (p *scriptPort) DrainAll() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

func (p *scriptPort) Dispatch(_ context.Context, raw []byte) error {
	msg, err := message.Decode(raw)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.out = append(p.out, msg)
	p.mu.Unlock()
	return nil
}

func (p *scriptPort) statuses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, m := range p.out {
		if st, ok := m.Body().(message.Status); ok {
			out = append(out, st.State)
		}
	}
	return out
}

func TestHandleCommands(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		setup      func(e *Engine)
		cmd        string
		fields     map[string]any
		wantUpdate int64
		wantRun    bool
		wantOut    []string // emitted types
	}{
		{"runPause starts", nil, CmdRunPause, nil, 0, true, []string{"status"}},
		{"runPause pauses", func(e *Engine) { e.running = true }, CmdRunPause, nil, 0, false, []string{"status"}},
		{"step one", nil, CmdStepUpdate, nil, 1, false, []string{"update"}},
		{"step count", nil, CmdStepUpdate, map[string]any{"count": 3}, 3, false, []string{"update", "update", "update"}},
		{"step ignored while running", func(e *Engine) { e.running = true }, CmdStepUpdate, nil, 0, true, nil},
		{"step stops at max", func(e *Engine) { e.opts.MaxUpdates = 2 }, CmdStepUpdate, map[string]any{"count": 5}, 2, false, []string{"update", "update", "status"}},
		{"reset", func(e *Engine) { e.update = 9; e.finished = true }, CmdReset, nil, 0, false, []string{"ready", "status"}},
		{"unknown command", nil, "popStats", nil, 0, false, []string{"debug"}},
		{"runPause after finish", func(e *Engine) { e.finished = true }, CmdRunPause, nil, 0, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := &scriptPort{}
			e := New(port, Options{})
			if tt.setup != nil {
				tt.setup(e)
			}
			if err := e.handle(ctx, message.MustNew(tt.cmd, tt.fields)); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if e.update != tt.wantUpdate || e.running != tt.wantRun {
				t.Errorf("update=%d running=%v, want %d/%v", e.update, e.running, tt.wantUpdate, tt.wantRun)
			}
			if len(port.out) != len(tt.wantOut) {
				t.Fatalf("emitted %d messages, want %v", len(port.out), tt.wantOut)
			}
			for i, typ := range tt.wantOut {
				if port.out[i].Type() != typ {
					t.Errorf("out[%d] = %s, want %s", i, port.out[i].Type(), typ)
				}
			}
		})
	}
}

func TestExitStopsRun(t *testing.T) {
	port := &scriptPort{}
	e := New(port, Options{PollInterval: time.Millisecond})
	port.push(CmdExit, nil)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit")
	}
	got := port.statuses()
	if len(got) != 2 || got[0] != "Paused" || got[1] != "Finished" {
		t.Errorf("statuses = %v", got)
	}
}

func TestRunHonoursContext(t *testing.T) {
	e := New(&scriptPort{}, Options{PollInterval: time.Millisecond, AutoStart: true})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := e.Run(ctx); err != context.DeadlineExceeded {
		t.Errorf("Run = %v, want deadline exceeded", err)
	}
}

func TestQueuedCommandWakesEngine(t *testing.T) {
	b, err := bridge.New(config.DefaultConfig())
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The ticker never fires during the test; only the queue signal can
	// get the command to the engine.
	e := New(b, Options{PollInterval: time.Hour})
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.State().Phase != engine.PhasePaused {
		if time.Now().After(deadline) {
			t.Fatalf("engine never reported Paused, state %+v", b.State())
		}
		time.Sleep(2 * time.Millisecond)
	}

	b.Push("console", message.MustNew(CmdStepUpdate, map[string]any{"count": 4}))
	for b.State().UpdateCounter != 4 {
		if time.Now().After(deadline) {
			t.Fatalf("queued step never handled, state %+v", b.State())
		}
		time.Sleep(2 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
}

type frameConn struct {
	mu    sync.Mutex
	types []string
}

func (c *frameConn) ID() string { return "test" }
func (c *frameConn) Send(msg message.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types = append(c.types, msg.Type())
	return nil
}
func (c *frameConn) Close() error { return nil }

func TestEngineAgainstBridge(t *testing.T) {
	b, err := bridge.New(config.DefaultConfig())
	if err != nil {
		t.Fatalf("bridge: %v", err)
	}
	defer b.Close()

	conn := &frameConn{}
	ui := b.Router().Attach(conn)
	ui.Receive(message.MustNew(message.TypeConnect, map[string]any{"role": "ui"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(b, Options{PollInterval: time.Millisecond, MaxUpdates: 25})
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	waitState := func(cond func(engine.State) bool) engine.State {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for {
			st := b.State()
			if cond(st) {
				return st
			}
			if time.Now().After(deadline) {
				t.Fatalf("state never reached, last %+v", st)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	waitState(func(s engine.State) bool { return s.Phase == engine.PhasePaused })
	ui.Receive(message.MustNew(CmdRunPause, nil))

	st := waitState(func(s engine.State) bool { return s.Phase == engine.PhaseFinished })
	if st.Running || st.UpdateCounter != 25 {
		t.Errorf("finished state = %+v", st)
	}

	ui.Receive(message.MustNew(CmdReset, nil))
	st = waitState(func(s engine.State) bool { return s.Phase == engine.PhasePaused })
	// The ready at startup opened epoch 1; the reset opens epoch 2.
	if st.UpdateCounter != 0 || st.Epoch != 2 {
		t.Errorf("after reset = %+v, want counter 0 in epoch 2", st)
	}

	ui.Receive(message.MustNew(CmdExit, nil))
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not exit")
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	for _, typ := range conn.types {
		if typ == message.TypeUpdate {
			t.Fatal("update telemetry reached the ui consumer")
		}
	}
	if len(conn.types) == 0 || conn.types[0] != message.TypeReady {
		t.Errorf("consumer frames = %v", conn.types)
	}
}
