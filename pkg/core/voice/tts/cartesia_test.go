package tts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewCartesia_ConstructorsAndName(t *testing.T) {
	client := &http.Client{}
	p := NewCartesiaWithClient("api-key", client)
	if p.httpClient != client {
		t.Fatal("expected custom http client to be set")
	}
	if p.Name() != "cartesia" {
		t.Fatalf("name = %q, want cartesia", p.Name())
	}
	if NewCartesia("api-key").httpClient == nil {
		t.Fatal("default provider should initialize http client")
	}
}

func TestOutputFormat(t *testing.T) {
	mp3 := outputFormat(SynthesizeOptions{Format: "mp3", SampleRate: 44100})
	if mp3.Container != "mp3" || mp3.SampleRate != 44100 || mp3.BitRate == 0 {
		t.Fatalf("mp3 format = %#v, want mp3/44100/non-zero bitrate", mp3)
	}

	pcm := outputFormat(SynthesizeOptions{Format: "pcm", SampleRate: 16000})
	if pcm.Container != "raw" || pcm.Encoding != "pcm_s16le" || pcm.SampleRate != 16000 {
		t.Fatalf("pcm format = %#v, want raw/pcm_s16le/16000", pcm)
	}

	wavDefault := outputFormat(SynthesizeOptions{})
	if wavDefault.Container != "wav" || wavDefault.Encoding != "pcm_s16le" || wavDefault.SampleRate != 24000 {
		t.Fatalf("default format = %#v, want wav/pcm_s16le/24000", wavDefault)
	}
}

func TestCartesia_Synthesize(t *testing.T) {
	var got cartesiaTTSRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tts/bytes" || r.Header.Get("Authorization") != "Bearer api-key" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte("RIFFaudio"))
	}))
	defer ts.Close()

	p := NewCartesia("api-key").WithBaseURL(ts.URL)
	syn, err := p.Synthesize(context.Background(), "hola a todos", SynthesizeOptions{Language: "es-MX", Voice: "v-es"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(syn.Audio) != "RIFFaudio" || syn.Format != "wav" {
		t.Fatalf("synthesis=%+v", syn)
	}
	if got.Transcript != "hola a todos" || got.Voice.ID != "v-es" || got.Language == nil || *got.Language != "es" {
		t.Fatalf("request=%+v", got)
	}
}

func TestCartesia_RetriesTemporaryFailures(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("pcm"))
	}))
	defer ts.Close()

	p := NewCartesia("api-key").WithBaseURL(ts.URL).WithRetry(2, time.Millisecond)
	syn, err := p.Synthesize(context.Background(), "hi", SynthesizeOptions{Format: "pcm"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if string(syn.Audio) != "pcm" || calls.Load() != 3 {
		t.Fatalf("audio=%q calls=%d", syn.Audio, calls.Load())
	}
}

func TestCartesia_SynthesizeErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad voice", http.StatusBadRequest)
	}))
	defer ts.Close()

	p := NewCartesia("api-key").WithBaseURL(ts.URL).WithRetry(3, time.Millisecond)
	_, err := p.Synthesize(context.Background(), "hi", SynthesizeOptions{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Body != "bad voice" {
		t.Fatalf("err=%v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client error retried: calls=%d", calls.Load())
	}
	if _, err := p.Synthesize(context.Background(), "  ", SynthesizeOptions{}); err != ErrEmptyText {
		t.Fatalf("err=%v, want ErrEmptyText", err)
	}
}

func TestBaseLanguage(t *testing.T) {
	for in, want := range map[string]string{"es-MX": "es", "pt_BR": "pt", " EN ": "en", "": ""} {
		if got := baseLanguage(in); got != want {
			t.Fatalf("baseLanguage(%q)=%q, want %q", in, got, want)
		}
	}
}

func TestGetFormat(t *testing.T) {
	if got := getFormat("mp3"); got != "mp3" {
		t.Fatalf("getFormat(mp3) = %q, want mp3", got)
	}
	if got := getFormat("unknown"); got != "wav" {
		t.Fatalf("getFormat(unknown) = %q, want wav", got)
	}
}
