//go:build integration
// +build integration

package integration_test

import (
	"context"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-interpret/pkg/analytics"
	"github.com/vango-go/vai-interpret/pkg/core/engine"
	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/translate"
	"github.com/vango-go/vai-interpret/pkg/metrics"
	"github.com/vango-go/vai-interpret/pkg/relay/bridge"
	"github.com/vango-go/vai-interpret/pkg/relay/server"
)

func startRelay(t *testing.T, opts server.Options) (*server.Server, string) {
	t.Helper()
	s := server.New(server.Config{}, opts)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http")
}

// startSession starts the speaker, joins the audience and waits until both
// are connected to their relays.
func startSession(t *testing.T, speaker, audience *device, speakerRelay, audienceRelay *server.Server) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := speaker.eng.StartSpeaker(ctx, "en"); err != nil {
		t.Fatalf("StartSpeaker: %v", err)
	}
	var code string
	eventually(t, 2*time.Second, "session code", func() bool {
		code = speaker.eng.State().SessionID
		return code != ""
	})
	if err := audience.eng.JoinAudience(ctx, strings.ToLower(code), "es"); err != nil {
		t.Fatalf("JoinAudience: %v", err)
	}
	eventually(t, 3*time.Second, "relay membership", func() bool {
		if speakerRelay == audienceRelay {
			return speakerRelay.Registry().Count() >= 2
		}
		return speakerRelay.Registry().Count() >= 1 && audienceRelay.Registry().Count() >= 1
	})
	return code
}

func speakAndHear(t *testing.T, speaker, audience *device) {
	t.Helper()
	eventually(t, 2*time.Second, "recognizer listening", func() bool {
		return speaker.rec.say("Good morning everyone. Thanks for coming.")
	})
	eventually(t, 8*time.Second, "audience playback", func() bool {
		for _, s := range audience.synth.said() {
			if strings.HasPrefix(s, "es:[es] ") && strings.Contains(s, "Thanks for coming.") {
				return true
			}
		}
		return false
	})
}

func TestInterpret_SpeakerToAudienceThroughRelay(t *testing.T) {
	m := metrics.New("")
	relay, url := startRelay(t, server.Options{Metrics: m})
	speaker := newSpeaker(t, url, fastConfig("es"), prefixTranslator{}, m)
	audience := newAudience(t, url, fastConfig())

	code := startSession(t, speaker, audience, relay, relay)
	speakAndHear(t, speaker, audience)

	eventually(t, 3*time.Second, "listener count", func() bool {
		return speaker.eng.State().Audience.TotalListeners == 1
	})
	if got := audience.eng.State().SessionID; got != code {
		t.Fatalf("audience session=%q, speaker=%q", got, code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := speaker.eng.Stop(ctx); err != nil {
		t.Fatalf("speaker Stop: %v", err)
	}
	eventually(t, 2*time.Second, "speaker idle", func() bool {
		return speaker.eng.State().Status == engine.StatusIdle
	})
	if err := audience.eng.Stop(ctx); err != nil {
		t.Fatalf("audience Stop: %v", err)
	}
}

func TestInterpret_AcrossInstancesWithRedis(t *testing.T) {
	url := requireEnv(t, "VAI_TEST_REDIS_URL")
	ctx := context.Background()
	prefix := "vai-it-" + time.Now().Format("150405.000")

	dial := func() *bridge.Redis {
		b, err := bridge.Dial(ctx, url, prefix, slog.Default())
		if err != nil {
			t.Fatalf("bridge.Dial: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	}
	relayA, urlA := startRelay(t, server.Options{Bridge: dial()})
	relayB, urlB := startRelay(t, server.Options{Bridge: dial()})

	speaker := newSpeaker(t, urlA, fastConfig("es"), prefixTranslator{}, nil)
	audience := newAudience(t, urlB, fastConfig())
	startSession(t, speaker, audience, relayA, relayB)
	speakAndHear(t, speaker, audience)
}

func TestInterpret_AnalyticsRowsInPostgres(t *testing.T) {
	dsn := requireEnv(t, "VAI_TEST_POSTGRES_DSN")
	ctx := context.Background()

	store, err := analytics.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("analytics.Open: %v", err)
	}
	defer store.Close()
	w := analytics.NewWriter(store, analytics.WriterConfig{FlushInterval: 100 * time.Millisecond}, slog.Default())

	relay, url := startRelay(t, server.Options{})
	speaker := newSpeaker(t, url, fastConfig("es"), prefixTranslator{}, pipeline.MultiRecorder{w})
	audience := newAudience(t, url, fastConfig())
	startSession(t, speaker, audience, relay, relay)
	speakAndHear(t, speaker, audience)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := speaker.eng.Stop(closeCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := w.Close(closeCtx); err != nil {
		t.Fatalf("writer Close: %v", err)
	}
	if w.Failed() != 0 || w.Dropped() != 0 {
		t.Fatalf("failed=%d dropped=%d", w.Failed(), w.Dropped())
	}
}

func TestTranslate_GeminiWithGuardAndCache(t *testing.T) {
	key := requireEnv(t, "GEMINI_API_KEY")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, err := translate.NewGemini(ctx, translate.GeminiConfig{APIKey: key})
	if err != nil {
		t.Fatalf("NewGemini: %v", err)
	}
	checkTranslator(t, ctx, g)
}

func TestTranslate_OpenAIWithGuardAndCache(t *testing.T) {
	key := requireEnv(t, "OPENAI_API_KEY")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	o, err := translate.NewOpenAI(translate.OpenAIConfig{APIKey: key})
	if err != nil {
		t.Fatalf("NewOpenAI: %v", err)
	}
	checkTranslator(t, ctx, o)
}

func checkTranslator(t *testing.T, ctx context.Context, model pipeline.Translator) {
	t.Helper()
	guard, err := translate.NewLanguageGuard(model, translate.GuardConfig{Languages: []string{"en", "es"}}, slog.Default())
	if err != nil {
		t.Fatalf("NewLanguageGuard: %v", err)
	}
	cache, err := translate.NewCache(guard, translate.CacheConfig{}, slog.Default())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	defer cache.Close()

	text := "The meeting starts in ten minutes, please take your seats."
	first, err := cache.Translate(ctx, text, "en", "es")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if strings.TrimSpace(first) == "" || first == text {
		t.Fatalf("translation=%q", first)
	}
	second, err := cache.Translate(ctx, text, "en", "es")
	if err != nil || second != first {
		t.Fatalf("cached translation=%q err=%v", second, err)
	}
	if hits, _ := cache.Stats(); hits != 1 {
		t.Fatalf("hits=%d", hits)
	}

	spanish := "La reunión empieza en diez minutos, por favor tomen asiento."
	same, err := cache.Translate(ctx, spanish, "en", "es")
	if err != nil || same != spanish {
		t.Fatalf("guarded translation=%q err=%v", same, err)
	}
}
