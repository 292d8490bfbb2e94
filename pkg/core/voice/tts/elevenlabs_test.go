package tts

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestElevenLabs_SynthesizeCollectsAudio(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var sawText, sawQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("xi-api-key") != "key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		sawQuery = r.URL.RawQuery
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for i := 0; i < 3; i++ {
			var msg map[string]any
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			if flush, _ := msg["flush"].(bool); flush {
				sawText, _ = msg["text"].(string)
			}
		}
		_ = ws.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte("ab"))})
		_ = ws.WriteJSON(map[string]any{"audio": base64.StdEncoding.EncodeToString([]byte("cd"))})
		_ = ws.WriteJSON(map[string]any{"isFinal": true})
	}))
	defer ts.Close()

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/text-to-speech/{voice_id}/stream-input"
	p := NewElevenLabs("key").WithWSBaseURL(base)
	syn, err := p.Synthesize(context.Background(), "bonjour", SynthesizeOptions{Voice: "v1", Language: "fr"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(syn.Audio) != "abcd" || syn.Format != "pcm" {
		t.Fatalf("synthesis=%+v", syn)
	}
	if sawText != "bonjour " {
		t.Fatalf("text sent=%q", sawText)
	}
	if !strings.Contains(sawQuery, "language_code=fr") || !strings.Contains(sawQuery, "output_format=pcm_24000") {
		t.Fatalf("query=%q", sawQuery)
	}
}

func TestElevenLabs_RequiresVoiceAndKey(t *testing.T) {
	if _, err := NewElevenLabs("").Synthesize(context.Background(), "hi", SynthesizeOptions{Voice: "v"}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := NewElevenLabs("key").Synthesize(context.Background(), "hi", SynthesizeOptions{}); err == nil {
		t.Fatal("expected error without voice")
	}
}

func TestBuildElevenLabsWSURL(t *testing.T) {
	got, err := buildElevenLabsWSURL("", "voice 1", SynthesizeOptions{SampleRate: 16000})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if !strings.HasPrefix(got, "wss://api.elevenlabs.io/v1/text-to-speech/voice%201/stream-input?") {
		t.Fatalf("url=%q", got)
	}
	if !strings.Contains(got, "output_format=pcm_16000") || !strings.Contains(got, "model_id=eleven_flash_v2_5") {
		t.Fatalf("url=%q", got)
	}
}

func TestElevenLabs_RejectedHandshakeIsStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := NewElevenLabs("wrong").WithWSBaseURL("ws" + strings.TrimPrefix(ts.URL, "http") + "/{voice_id}")
	_, err := p.Synthesize(context.Background(), "hola", SynthesizeOptions{Voice: "v", Language: "es-MX"})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusUnauthorized {
		t.Fatalf("err=%v", err)
	}
	if Temporary(err) {
		t.Fatal("auth failure must not be retried")
	}
}
