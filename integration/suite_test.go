//go:build integration
// +build integration

package integration_test

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-interpret/internal/dotenv"
	"github.com/vango-go/vai-interpret/pkg/core/engine"
	"github.com/vango-go/vai-interpret/pkg/core/identity"
	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
	"github.com/vango-go/vai-interpret/pkg/core/types"
	"github.com/vango-go/vai-interpret/pkg/relay/client"
)

func TestMain(m *testing.M) {
	loadEnvFile()
	normalizeEnvKeys()
	os.Exit(m.Run())
}

// loadEnvFile loads .env from the module root.
func loadEnvFile() {
	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Join(filepath.Dir(filename), "..")
	_ = dotenv.Load(filepath.Join(root, ".env"))
}

func normalizeEnvKeys() {
	if os.Getenv("GEMINI_API_KEY") == "" {
		if googleKey := os.Getenv("GOOGLE_API_KEY"); googleKey != "" {
			os.Setenv("GEMINI_API_KEY", googleKey)
		}
	}
}

func requireEnv(t *testing.T, name string) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		t.Skipf("%s not set", name)
	}
	return v
}

// fastConfig shortens every timer so a full speaker to audience round trip
// finishes in a couple of seconds.
func fastConfig(targets ...string) engine.Config {
	cfg := engine.DefaultConfig()
	cfg.Segment = segment.Config{
		FlushInterval:           time.Second,
		ForceCheckInterval:      100 * time.Millisecond,
		MaxPendingChars:         600,
		MaxPendingSentences:     6,
		PunctuationMinSentences: 1,
	}
	cfg.Playback = playback.Config{
		Threshold:         1,
		CountdownDuration: time.Second,
		TickInterval:      250 * time.Millisecond,
		DepletionTimeout:  5 * time.Second,
		SegmentTTL:        time.Minute,
	}
	cfg.TargetLanguages = targets
	cfg.DispatchTimeout = 2 * time.Second
	cfg.DispatchCooldown = 0
	cfg.TickInterval = 250 * time.Millisecond
	cfg.StopTimeout = 5 * time.Second
	return cfg
}

// scriptedRecognizer hands out fragments pushed by the test.
type scriptedRecognizer struct {
	mu       sync.Mutex
	onResult func(types.TranscriptFragment)
}

func (r *scriptedRecognizer) StartListening(_ context.Context, onResult func(types.TranscriptFragment), _ func(error)) error {
	r.mu.Lock()
	r.onResult = onResult
	r.mu.Unlock()
	return nil
}

func (r *scriptedRecognizer) StopListening(context.Context) error {
	r.mu.Lock()
	r.onResult = nil
	r.mu.Unlock()
	return nil
}

func (r *scriptedRecognizer) say(text string) bool {
	r.mu.Lock()
	fn := r.onResult
	r.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(types.TranscriptFragment{Text: text, IsFinal: true, Timestamp: time.Now()})
	return true
}

type prefixTranslator struct{}

func (prefixTranslator) Translate(_ context.Context, text, _, target string) (string, error) {
	return "[" + target + "] " + text, nil
}

// recordingSynth stores every spoken segment.
type recordingSynth struct {
	mu     sync.Mutex
	spoken []string
}

func (s *recordingSynth) Speak(_ context.Context, text, language string) error {
	s.mu.Lock()
	s.spoken = append(s.spoken, language+":"+text)
	s.mu.Unlock()
	return nil
}

func (s *recordingSynth) said() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

type device struct {
	eng   *engine.Engine
	rec   *scriptedRecognizer
	synth *recordingSynth
}

func newSpeaker(t *testing.T, relayURL string, cfg engine.Config, tr pipeline.Translator, rec pipeline.Recorder) *device {
	t.Helper()
	d := &device{rec: &scriptedRecognizer{}}
	eng, err := engine.New(cfg, engine.Options{
		Identity:     identity.NewLocal(),
		Transport:    client.New(client.Config{BaseURL: relayURL}, slog.Default()),
		Connectivity: engine.NewManualConnectivity(true),
		Recognizer:   d.rec,
		Translator:   tr,
		Recorder:     rec,
	})
	if err != nil {
		t.Fatalf("speaker engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	d.eng = eng
	return d
}

func newAudience(t *testing.T, relayURL string, cfg engine.Config) *device {
	t.Helper()
	d := &device{synth: &recordingSynth{}}
	eng, err := engine.New(cfg, engine.Options{
		Identity:     identity.NewLocal(),
		Transport:    client.New(client.Config{BaseURL: relayURL}, slog.Default()),
		Connectivity: engine.NewManualConnectivity(true),
		Synthesizer:  d.synth,
	})
	if err != nil {
		t.Fatalf("audience engine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	d.eng = eng
	return d
}

func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
