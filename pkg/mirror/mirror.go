// Package mirror copies bridge traffic to an optional diagnostic observer.
//
// The mirror is write-only and best-effort. Callers on the primary path hand
// over a message and return immediately; records that cannot be buffered or
// delivered are dropped. Nothing here can slow down or fail dispatch.
package mirror

import (
	"errors"
	"time"

	"github.com/devosoft/avida-bridge/pkg/message"
)

// ErrDiagnosticUnavailable means the diagnostic endpoint cannot take a
// record right now. It is reported to logs only.
var ErrDiagnosticUnavailable = errors.New("diagnostic endpoint unavailable")

// Direction of mirrored traffic relative to the engine.
type Direction string

const (
	DirectionIn  Direction = "in"  // consumer to engine
	DirectionOut Direction = "out" // engine to consumers
)

// RoleEngine tags records of engine output.
const RoleEngine = "engine"

// Meta annotates a mirrored message.
type Meta struct {
	UpdateCounter int64     `json:"updateCounter"`
	SourceRole    string    `json:"sourceRole"`
	Direction     Direction `json:"direction"`
	Timestamp     time.Time `json:"timestamp"`
}

// Record is what a diagnostic sink receives.
type Record struct {
	ID   string          `json:"id"`
	Data message.Message `json:"data"`
	Meta Meta            `json:"meta"`
}

// Mirror replicates traffic.
type Mirror interface {
	Mirror(dir Direction, sourceRole string, msg message.Message)
}

// CounterSource supplies the update counter frozen into each record.
type CounterSource interface {
	UpdateCounter() int64
}

// Nop is the mirror used when diagnostics are disabled.
type Nop struct{}

func (Nop) Mirror(Direction, string, message.Message) {}
