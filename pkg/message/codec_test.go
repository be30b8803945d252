package message

import (
	"errors"
	"testing"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType string
		check    func(t *testing.T, b Body)
	}{
		{
			name:     "update",
			raw:      `{"type":"update","update":12}`,
			wantType: TypeUpdate,
			check: func(t *testing.T, b Body) {
				u, ok := b.(Update)
				if !ok || u.Counter != 12 {
					t.Errorf("body = %#v, want Update{12}", b)
				}
			},
		},
		{
			name:     "update at int64 max",
			raw:      `{"type":"update","update":9223372036854775807}`,
			wantType: TypeUpdate,
			check: func(t *testing.T, b Body) {
				u, ok := b.(Update)
				if !ok || u.Counter != 1<<63-1 {
					t.Errorf("body = %#v, want Update{MaxInt64}", b)
				}
			},
		},
		{
			name:     "status with update",
			raw:      `{"type":"status","status":"Paused","update":40}`,
			wantType: TypeStatus,
			check: func(t *testing.T, b Body) {
				s, ok := b.(Status)
				if !ok || s.State != "Paused" || !s.HasUpdate || s.Update != 40 {
					t.Errorf("body = %#v", b)
				}
			},
		},
		{
			name:     "status without update",
			raw:      `{"type":"status","status":"Running"}`,
			wantType: TypeStatus,
			check: func(t *testing.T, b Body) {
				s, ok := b.(Status)
				if !ok || s.HasUpdate {
					t.Errorf("body = %#v", b)
				}
			},
		},
		{
			name:     "debug",
			raw:      `{"type":"debug","message":"step took 3ms"}`,
			wantType: TypeDebug,
			check: func(t *testing.T, b Body) {
				d, ok := b.(Debug)
				if !ok || d.Text != "step took 3ms" {
					t.Errorf("body = %#v", b)
				}
			},
		},
		{
			name:     "unknown type passes through",
			raw:      `{"type":"webOrgTraceBySequence","snapshots":[1,2,3]}`,
			wantType: "webOrgTraceBySequence",
			check: func(t *testing.T, b Body) {
				if _, ok := b.(Opaque); !ok {
					t.Errorf("body = %#v, want Opaque", b)
				}
			},
		},
		{
			name:     "integral float update",
			raw:      `{"type":"update","update":7.0}`,
			wantType: TypeUpdate,
			check: func(t *testing.T, b Body) {
				if u, ok := b.(Update); !ok || u.Counter != 7 {
					t.Errorf("body = %#v", b)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := DecodeString(tt.raw)
			if err != nil {
				t.Fatalf("decode %s: %v", tt.raw, err)
			}
			if m.Type() != tt.wantType {
				t.Errorf("type = %q, want %q", m.Type(), tt.wantType)
			}
			tt.check(t, m.Body())
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `update 5`},
		{"truncated", `{"type":"update"`},
		{"array", `[{"type":"update","update":1}]`},
		{"null", `null`},
		{"missing type", `{"update":1}`},
		{"empty type", `{"type":""}`},
		{"numeric type", `{"type":3}`},
		{"update without counter", `{"type":"update"}`},
		{"update with string counter", `{"type":"update","update":"5"}`},
		{"fractional update", `{"type":"update","update":5.5}`},
		{"status without status", `{"type":"status","update":1}`},
		{"update above int64", `{"type":"update","update":9223372036854775808}`},
		{"update in exponent form", `{"type":"update","update":1e20}`},
		{"update below int64", `{"type":"update","update":-1e19}`},
		{"status update above int64", `{"type":"status","status":"Running","update":9223372036854775808}`},
		{"status update in exponent form", `{"type":"status","status":"Paused","update":1e30}`},
		{"trailing data", `{"type":"debug"} {"type":"debug"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeString(tt.raw)
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("decode %q: err = %v, want ErrMalformedPayload", tt.raw, err)
			}
		})
	}
}

func TestEncodePreservesUnknownFields(t *testing.T) {
	raw := `{"type":"addEvent","name":"runPause","triggerType":"immediate","singleton":true}`
	m, err := DecodeString(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	out, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	again, err := Decode(out)
	if err != nil {
		t.Fatalf("decode re-encoded %s: %v", out, err)
	}
	if !Equal(m, again) {
		t.Errorf("re-encoded message differs: %s vs %s", raw, out)
	}
	if v, _ := again.StringField("triggerType"); v != "immediate" {
		t.Errorf("triggerType = %q", v)
	}
}

func TestWithAndWithoutDoNotMutate(t *testing.T) {
	orig := MustNew("addEvent", map[string]any{"name": "runPause"})

	tagged := orig.With("_source", "console")
	if _, ok := orig.Get("_source"); ok {
		t.Fatal("With mutated the original message")
	}
	if v, _ := tagged.StringField("_source"); v != "console" {
		t.Errorf("tagged _source = %q", v)
	}

	stripped := tagged.Without("_source")
	if _, ok := stripped.Get("_source"); ok {
		t.Error("Without left the key in place")
	}
	if _, ok := tagged.Get("_source"); !ok {
		t.Error("Without mutated its receiver")
	}
	if !Equal(stripped, orig) {
		t.Error("stripped copy differs from original")
	}
}

func TestWithoutVariantFieldDemotesToOpaque(t *testing.T) {
	m := MustNew(TypeUpdate, map[string]any{"update": 3})
	d := m.Without(FieldUpdate)
	if d.Type() != TypeUpdate {
		t.Errorf("type = %q", d.Type())
	}
	if _, ok := d.Body().(Opaque); !ok {
		t.Errorf("body = %#v, want Opaque", d.Body())
	}
}

func TestNewRejectsBadVariant(t *testing.T) {
	if _, err := New(TypeStatus, map[string]any{"status": 1}); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
	if _, err := New("", nil); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestEncodeZeroMessage(t *testing.T) {
	if _, err := Encode(Message{}); err == nil {
		t.Fatal("expected error encoding zero message")
	}
}
