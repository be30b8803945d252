// Package message defines the envelope exchanged between the engine and its
// consumers, and the JSON codec used on every transport.
//
// A Message is a value object: a type discriminator, a field map and a typed
// Body derived from both. Messages are never mutated after construction;
// With and Without return fresh copies. Nested values (maps, slices) are
// shared between copies and must be treated as read-only.
package message

import (
	"encoding/json"
	"fmt"
	"math"
)

// Well-known message types.
const (
	TypeUpdate  = "update"
	TypeStatus  = "status"
	TypeDebug   = "debug"
	TypeReset   = "reset"
	TypeReady   = "ready"
	TypeConnect = "connect"
)

// Well-known field names.
const (
	FieldType    = "type"
	FieldUpdate  = "update"
	FieldStatus  = "status"
	FieldRole    = "role"
	FieldMessage = "message"
)

// Body is the typed view of a message, selected by its type.
type Body interface {
	isBody()
}

// Update reports engine progress.
type Update struct {
	Counter int64
}

// Status reports an engine lifecycle transition. Update is only meaningful
// when HasUpdate is set.
type Status struct {
	State     string
	Update    int64
	HasUpdate bool
}

// Debug is engine diagnostic chatter.
type Debug struct {
	Text string
}

// Opaque is any type the bridge does not interpret. Its fields are passed
// through untouched.
type Opaque struct{}

func (Update) isBody() {}
func (Status) isBody() {}
func (Debug) isBody()  {}
func (Opaque) isBody() {}

// Message is an immutable envelope.
type Message struct {
	typ    string
	fields map[string]any
	body   Body
}

// New builds a message of the given type. The fields map is copied; a
// "type" key in it is ignored. Known types are checked against their variant
// and a mismatch is reported as ErrMalformedPayload.
func New(typ string, fields map[string]any) (Message, error) {
	if typ == "" {
		return Message{}, fmt.Errorf("%w: empty type", ErrMalformedPayload)
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == FieldType {
			continue
		}
		cp[k] = v
	}
	body, err := parseBody(typ, cp)
	if err != nil {
		return Message{}, err
	}
	return Message{typ: typ, fields: cp, body: body}, nil
}

// MustNew is New for literals known to be valid.
func MustNew(typ string, fields map[string]any) Message {
	m, err := New(typ, fields)
	if err != nil {
		panic(err)
	}
	return m
}

// Type returns the discriminator.
func (m Message) Type() string { return m.typ }

// Body returns the typed variant. The zero Message has an Opaque body.
func (m Message) Body() Body {
	if m.body == nil {
		return Opaque{}
	}
	return m.body
}

// IsZero reports whether m was never constructed.
func (m Message) IsZero() bool { return m.typ == "" }

// Get returns a single field.
func (m Message) Get(key string) (any, bool) {
	if key == FieldType {
		return m.typ, m.typ != ""
	}
	v, ok := m.fields[key]
	return v, ok
}

// StringField returns a field as a string; false when missing or not a string.
func (m Message) StringField(key string) (string, bool) {
	v, ok := m.fields[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// IntField returns a field as an integer; false when missing or not integral.
func (m Message) IntField(key string) (int64, bool) {
	v, ok := m.fields[key]
	if !ok {
		return 0, false
	}
	return toInt64(v)
}

// Fields returns a shallow copy of the fields, without "type".
func (m Message) Fields() map[string]any {
	cp := make(map[string]any, len(m.fields))
	for k, v := range m.fields {
		cp[k] = v
	}
	return cp
}

// With returns a copy of m with key set to value. A copy that no longer
// satisfies its variant carries an Opaque body.
func (m Message) With(key string, value any) Message {
	if key == FieldType {
		return m
	}
	cp := m.Fields()
	cp[key] = value
	return derive(m.typ, cp)
}

// Without returns a copy of m with the given keys removed.
func (m Message) Without(keys ...string) Message {
	cp := m.Fields()
	removed := false
	for _, k := range keys {
		if _, ok := cp[k]; ok {
			delete(cp, k)
			removed = true
		}
	}
	if !removed {
		return m
	}
	return derive(m.typ, cp)
}

// Equal reports whether a and b encode to the same JSON.
func Equal(a, b Message) bool {
	ea, err := Encode(a)
	if err != nil {
		return false
	}
	eb, err := Encode(b)
	if err != nil {
		return false
	}
	return string(ea) == string(eb)
}

// MarshalJSON encodes the envelope with "type" inlined.
func (m Message) MarshalJSON() ([]byte, error) {
	return Encode(m)
}

// UnmarshalJSON decodes with the same rules as Decode.
func (m *Message) UnmarshalJSON(data []byte) error {
	decoded, err := Decode(data)
	if err != nil {
		return err
	}
	*m = decoded
	return nil
}

func derive(typ string, fields map[string]any) Message {
	body, err := parseBody(typ, fields)
	if err != nil {
		body = Opaque{}
	}
	return Message{typ: typ, fields: fields, body: body}
}

func parseBody(typ string, fields map[string]any) (Body, error) {
	switch typ {
	case TypeUpdate:
		v, ok := fields[FieldUpdate]
		if !ok {
			return nil, fmt.Errorf("%w: update message without %q", ErrMalformedPayload, FieldUpdate)
		}
		n, ok := toInt64(v)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an integer", ErrMalformedPayload, FieldUpdate)
		}
		return Update{Counter: n}, nil

	case TypeStatus:
		s, ok := fields[FieldStatus].(string)
		if !ok {
			return nil, fmt.Errorf("%w: status message without string %q", ErrMalformedPayload, FieldStatus)
		}
		st := Status{State: s}
		if v, ok := fields[FieldUpdate]; ok {
			n, ok := toInt64(v)
			if !ok {
				return nil, fmt.Errorf("%w: %q is not an integer", ErrMalformedPayload, FieldUpdate)
			}
			st.Update, st.HasUpdate = n, true
		}
		return st, nil

	case TypeDebug:
		text, _ := fields[FieldMessage].(string)
		return Debug{Text: text}, nil
	}
	return Opaque{}, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, false
		}
		// 2^63 itself is representable as a float64 but not as an int64.
		if n < -(1<<63) || n >= 1<<63 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return toInt64(f)
	}
	return 0, false
}
