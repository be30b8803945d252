// Package engine derives the engine's lifecycle state from the messages it
// emits. The tracker is a fold over the outbound stream: nothing consumers
// send ever changes it.
package engine

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/devosoft/avida-bridge/pkg/events"
	"github.com/devosoft/avida-bridge/pkg/logger"
	"github.com/devosoft/avida-bridge/pkg/message"
)

// ErrUnknownEngineState is returned by Observe for a status value outside
// the known vocabulary. It is not fatal: the message is still forwarded.
var ErrUnknownEngineState = errors.New("unknown engine state")

// NotStarted is the update counter before the engine reports any update.
const NotStarted int64 = -1

// Phase is the engine's lifecycle phase.
type Phase string

const (
	PhaseNotStarted Phase = "not_started"
	PhaseRunning    Phase = "running"
	PhasePaused     Phase = "paused"
	PhaseFinished   Phase = "finished"
)

// Status values the engine reports.
const (
	StatusRunning  = "Running"
	StatusPaused   = "Paused"
	StatusFinished = "Finished"
)

// State is a point-in-time snapshot.
type State struct {
	Phase         Phase `json:"phase"`
	Running       bool  `json:"running"`
	UpdateCounter int64 `json:"update_counter"`
	Epoch         int   `json:"epoch"`
}

// Tracker holds the derived engine state.
type Tracker struct {
	mu         sync.RWMutex
	state      State
	freshStart bool
	events     events.Publisher
}

// NewTracker creates a tracker in the not-started state. pub may be nil.
func NewTracker(pub events.Publisher) *Tracker {
	if pub == nil {
		pub = events.Discard
	}
	return &Tracker{
		state:  State{Phase: PhaseNotStarted, UpdateCounter: NotStarted},
		events: pub,
	}
}

// CurrentState returns a snapshot; safe from any goroutine.
func (t *Tracker) CurrentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// UpdateCounter returns the current update counter.
func (t *Tracker) UpdateCounter() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state.UpdateCounter
}

// Observe folds one outbound message into the state. It returns an error
// wrapping ErrUnknownEngineState for an unrecognized status; any update
// field on the same message is still applied.
func (t *Tracker) Observe(msg message.Message) error {
	var pending []events.Event
	var err error

	t.mu.Lock()
	before := t.state

	switch msg.Type() {
	case message.TypeReset, message.TypeReady:
		t.freshStart = true
	}

	if st, ok := msg.Body().(message.Status); ok {
		phase, known := parseStatus(st.State)
		if known {
			t.state.Phase = phase
			t.state.Running = phase == PhaseRunning
		} else {
			err = fmt.Errorf("%w: %q", ErrUnknownEngineState, st.State)
			pending = append(pending, t.engineEvent(events.EngineUnknownState, st.State))
		}
	}

	if n, ok := updateOf(msg); ok {
		pending = append(pending, t.applyUpdate(n)...)
	}

	if t.state.Phase != before.Phase || t.state.Running != before.Running {
		pending = append(pending, t.engineEvent(events.EngineStateChanged, string(t.state.Phase)))
	}
	t.mu.Unlock()

	for _, e := range pending {
		t.events.Publish(e)
	}
	return err
}

// applyUpdate must be called with t.mu held.
func (t *Tracker) applyUpdate(n int64) []events.Event {
	cur := t.state.UpdateCounter
	switch {
	case t.freshStart:
		t.freshStart = false
		t.state.UpdateCounter = n
		t.state.Epoch++
		return []events.Event{t.engineEvent(events.EngineEpochReset, strconv.FormatInt(n, 10))}
	case n >= cur:
		t.state.UpdateCounter = n
		return nil
	}

	logger.WarnCF("engine", "Ignoring update counter regression", map[string]interface{}{
		"current":  cur,
		"observed": n,
		"epoch":    t.state.Epoch,
	})
	return []events.Event{t.engineEvent(events.EngineUpdateRegression, strconv.FormatInt(n, 10))}
}

func (t *Tracker) engineEvent(eventType, observed string) events.Event {
	return events.New(eventType, "engine", events.EngineEventData{
		Phase:         string(t.state.Phase),
		Running:       t.state.Running,
		UpdateCounter: t.state.UpdateCounter,
		Observed:      observed,
		Epoch:         t.state.Epoch,
	})
}

func parseStatus(s string) (Phase, bool) {
	switch {
	case strings.EqualFold(s, StatusRunning):
		return PhaseRunning, true
	case strings.EqualFold(s, StatusPaused):
		return PhasePaused, true
	case strings.EqualFold(s, StatusFinished):
		return PhaseFinished, true
	}
	return "", false
}

func updateOf(msg message.Message) (int64, bool) {
	switch b := msg.Body().(type) {
	case message.Update:
		return b.Counter, true
	case message.Status:
		return b.Update, b.HasUpdate
	}
	return msg.IntField(message.FieldUpdate)
}
