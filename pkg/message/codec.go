package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrMalformedPayload is returned when bytes cannot be decoded into a
// Message: invalid JSON, not an object, or no usable "type".
var ErrMalformedPayload = errors.New("malformed payload")

// envelopeSchema is the structural contract every payload must satisfy.
// Types other than update and status are left open.
const envelopeSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1}
	},
	"allOf": [
		{
			"if": {"properties": {"type": {"const": "update"}}},
			"then": {
				"required": ["update"],
				"properties": {"update": {"type": "integer"}}
			}
		},
		{
			"if": {"properties": {"type": {"const": "status"}}},
			"then": {
				"required": ["status"],
				"properties": {
					"status": {"type": "string"},
					"update": {"type": "integer"}
				}
			}
		}
	]
}`

var schema = jsonschema.MustCompileString("envelope.schema.json", envelopeSchema)

// Decode parses a serialized message. Unknown types decode to an Opaque body.
func Decode(raw []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var payload any
	if err := dec.Decode(&payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		return Message{}, fmt.Errorf("%w: trailing data after JSON value", ErrMalformedPayload)
	}
	if err := schema.Validate(payload); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	obj := payload.(map[string]any)
	typ := obj[FieldType].(string)
	delete(obj, FieldType)

	body, err := parseBody(typ, obj)
	if err != nil {
		return Message{}, err
	}
	return Message{typ: typ, fields: obj, body: body}, nil
}

// DecodeString is Decode for text transports.
func DecodeString(s string) (Message, error) {
	return Decode([]byte(s))
}

// Encode serializes m as a single JSON object.
func Encode(m Message) ([]byte, error) {
	if m.IsZero() {
		return nil, fmt.Errorf("%w: cannot encode message without type", ErrMalformedPayload)
	}
	out := make(map[string]any, len(m.fields)+1)
	for k, v := range m.fields {
		out[k] = v
	}
	out[FieldType] = m.typ
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s message: %w", m.typ, err)
	}
	return data, nil
}
