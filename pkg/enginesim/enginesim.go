// Package enginesim is a stand-in engine for local runs and tests.
//
// It behaves like the real simulation core at the message level: it polls
// the bridge for commands on its own schedule, reports progress as update
// messages, announces status transitions and finishes after a bounded number
// of updates. It never computes anything.
package enginesim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// Commands understood by the engine.
const (
	CmdRunPause   = "runPause"
	CmdStepUpdate = "stepUpdate"
	CmdReset      = "reset"
	CmdExit       = "exit"
)

// Port is the engine's view of the bridge: a pull for commands and a push
// for output, both in serialized form.
type Port interface {
	DrainAll() [][]byte
	Dispatch(ctx context.Context, raw []byte) error
}

// readyNotifier is implemented by ports that can signal queued commands.
// The engine then polls as soon as input arrives and keeps the ticker for
// pacing updates only.
type readyNotifier interface {
	Ready() <-chan struct{}
}

// Options tunes the engine.
type Options struct {
	PollInterval time.Duration
	MaxUpdates   int64 // 0 means never finish on its own
	AutoStart    bool  // start running without waiting for runPause
}

var errExit = errors.New("exit requested")

// Engine is the simulated engine.
type Engine struct {
	port Port
	opts Options

	update   int64
	running  bool
	finished bool
}

// New creates an engine talking to port.
func New(port Port, opts Options) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	return &Engine{port: port, opts: opts}
}

// Run polls until ctx is cancelled or an exit command arrives. An exit
// returns nil.
func (e *Engine) Run(ctx context.Context) error {
	logger.InfoCF("enginesim", "Demo engine started", map[string]interface{}{
		"poll_interval": e.opts.PollInterval.String(),
		"max_updates":   e.opts.MaxUpdates,
	})

	e.emit(ctx, message.TypeReady, nil)
	e.running = e.opts.AutoStart
	e.emitStatus(ctx)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{} // nil blocks forever
	if n, ok := e.port.(readyNotifier); ok {
		wake = n.Ready()
	}

	for {
		tick := false
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick = true
		case <-wake:
		}

		if err := e.poll(ctx); err != nil {
			if errors.Is(err, errExit) {
				logger.InfoC("enginesim", "Demo engine exiting on request")
				return nil
			}
			return err
		}
		if tick && e.running {
			e.advance(ctx, 1)
		}
	}
}

// poll drains and handles pending commands.
func (e *Engine) poll(ctx context.Context) error {
	for _, raw := range e.port.DrainAll() {
		msg, err := message.Decode(raw)
		if err != nil {
			logger.WarnCF("enginesim", "Ignoring undecodable command", map[string]interface{}{
				"error": err.Error(),
			})
			continue
		}
		if err := e.handle(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handle(ctx context.Context, msg message.Message) error {
	switch msg.Type() {
	case CmdRunPause:
		if e.finished {
			return nil
		}
		e.running = !e.running
		e.emitStatus(ctx)

	case CmdStepUpdate:
		if e.running || e.finished {
			return nil
		}
		n, ok := msg.IntField("count")
		if !ok || n < 1 {
			n = 1
		}
		e.advance(ctx, n)

	case CmdReset:
		e.update = 0
		e.running = false
		e.finished = false
		e.emit(ctx, message.TypeReady, nil)
		e.emitStatus(ctx)

	case CmdExit:
		e.running = false
		e.finished = true
		e.emitStatus(ctx)
		return errExit

	default:
		e.emit(ctx, message.TypeDebug, map[string]any{
			message.FieldMessage: fmt.Sprintf("unhandled command %q", msg.Type()),
		})
	}
	return nil
}

// advance runs n updates, stopping early at MaxUpdates.
func (e *Engine) advance(ctx context.Context, n int64) {
	for i := int64(0); i < n && !e.finished; i++ {
		e.update++
		e.emit(ctx, message.TypeUpdate, map[string]any{message.FieldUpdate: e.update})
		if e.opts.MaxUpdates > 0 && e.update >= e.opts.MaxUpdates {
			e.running = false
			e.finished = true
			e.emitStatus(ctx)
		}
	}
}

func (e *Engine) emitStatus(ctx context.Context) {
	status := "Paused"
	switch {
	case e.finished:
		status = "Finished"
	case e.running:
		status = "Running"
	}
	e.emit(ctx, message.TypeStatus, map[string]any{
		message.FieldStatus: status,
		message.FieldUpdate: e.update,
	})
}

func (e *Engine) emit(ctx context.Context, typ string, fields map[string]any) {
	msg, err := message.New(typ, fields)
	if err == nil {
		var raw []byte
		if raw, err = message.Encode(msg); err == nil {
			err = e.port.Dispatch(ctx, raw)
		}
	}
	if err != nil {
		logger.DebugCF("enginesim", "Bridge reported an error for engine output", map[string]interface{}{
			"type":  typ,
			"error": err.Error(),
		})
	}
}
