package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestDecode_Translation(t *testing.T) {
	raw := []byte(`{
		"type":"translation",
		"session_id":"abc",
		"seq":3,
		"translated_text":"hola",
		"target_language":"es",
		"timestamp_ms":1700000000000
	}`)

	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	tr, ok := msg.(Translation)
	if !ok {
		t.Fatalf("decoded type = %T, want Translation", msg)
	}
	if tr.Seq != 3 || tr.TranslatedText != "hola" || tr.TargetLanguage != "es" {
		t.Fatalf("translation=%+v", tr)
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		param string
	}{
		{"invalid json", `{`, ""},
		{"missing type", `{"session_id":"x"}`, "type"},
		{"unknown type", `{"type":"nope"}`, "type"},
		{"empty translation", `{"type":"translation","target_language":"es"}`, "translated_text"},
		{"missing language", `{"type":"translation","translated_text":"hola"}`, "target_language"},
		{"bad role", `{"type":"session_join","role":"host"}`, "role"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("err=%v, want *DecodeError", err)
			}
			if de.Param != tt.param {
				t.Fatalf("param=%q, want %q", de.Param, tt.param)
			}
		})
	}
}

func TestDecode_SessionJoin(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"session_join","role":"audience","language":"fr"}`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	join := msg.(SessionJoin)
	if join.Role != RoleAudience || join.Language != "fr" {
		t.Fatalf("join=%+v", join)
	}
}

func TestPeek_IgnoresUnknownFields(t *testing.T) {
	env, err := Peek([]byte(`{"type":"custom","role":"audience","extra":{"a":1}}`))
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if env.Type != "custom" || env.Role != RoleAudience {
		t.Fatalf("env=%+v", env)
	}
}

func TestEncode_RejectsOversizedFrame(t *testing.T) {
	_, err := Encode(Translation{Type: TypeTranslation, TranslatedText: strings.Repeat("x", MaxFrameBytes)})
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("err=%v", err)
	}
}

func TestNewMessageID_Sortable(t *testing.T) {
	a := NewMessageID()
	b := NewMessageID()
	if len(a) != 26 || a == b {
		t.Fatalf("ids %q %q", a, b)
	}
	if b < a {
		t.Fatalf("ids not monotonic: %q then %q", a, b)
	}
}
