// Package events defines the lifecycle events the bridge reports about
// itself: consumers coming and going, engine state transitions, and
// protocol anomalies. These never travel to the engine; they feed logs and
// the diagnostics stream.
package events

import "time"

// --- Event Envelope ---

// Event is the envelope for all bridge lifecycle events.
type Event struct {
	// Type identifies the event (e.g., "consumer.connected")
	Type string `json:"type"`

	// Source identifies the component that emitted it
	Source string `json:"source"`

	// Timestamp is when the event was emitted
	Timestamp time.Time `json:"timestamp"`

	// Data is the typed payload
	Data interface{} `json:"data"`
}

// New creates a timestamped event.
func New(eventType, source string, data interface{}) Event {
	return Event{
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// Publisher is the write side of an event bus.
type Publisher interface {
	Publish(event Event)
}

// Handler receives published events.
type Handler func(event Event)

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// --- Event Type Constants ---

const (
	// Consumer lifecycle
	ConsumerConnected    = "consumer.connected"
	ConsumerDisconnected = "consumer.disconnected"
	ConsumerReplaced     = "consumer.replaced"

	// Engine observations
	EngineStateChanged     = "engine.state_changed"
	EngineUnknownState     = "engine.unknown_state"
	EngineUpdateRegression = "engine.update_regression"
	EngineEpochReset       = "engine.epoch_reset"

	// Protocol errors
	PayloadMalformed = "payload.malformed"

	// Diagnostics
	MirrorDropped  = "mirror.dropped"
	MirrorSinkDown = "mirror.sink_down"
	MirrorSinkUp   = "mirror.sink_up"
)

// --- Typed Payloads ---

// ConsumerEventData is the payload for consumer lifecycle events.
type ConsumerEventData struct {
	ConnID string `json:"conn_id"`
	Role   string `json:"role"`
	Remote string `json:"remote,omitempty"`
}

// EngineEventData is the payload for engine observations.
type EngineEventData struct {
	Phase         string `json:"phase,omitempty"`
	Running       bool   `json:"running"`
	UpdateCounter int64  `json:"update_counter"`
	Observed      string `json:"observed,omitempty"` // raw status or update value that triggered the event
	Epoch         int    `json:"epoch,omitempty"`
}

// PayloadEventData is the payload for protocol error events.
type PayloadEventData struct {
	Direction string `json:"direction"`
	Role      string `json:"role,omitempty"`
	Error     string `json:"error"`
	Preview   string `json:"preview"` // truncated payload
}

// MirrorEventData is the payload for diagnostics events.
type MirrorEventData struct {
	Sink    string `json:"sink,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Truncate shortens s for previews.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "…"
}
