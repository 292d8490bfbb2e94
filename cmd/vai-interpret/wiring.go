package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vango-go/vai-interpret/pkg/analytics"
	"github.com/vango-go/vai-interpret/pkg/config"
	"github.com/vango-go/vai-interpret/pkg/core/engine"
	"github.com/vango-go/vai-interpret/pkg/core/identity"
	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/translate"
	"github.com/vango-go/vai-interpret/pkg/core/types"
	"github.com/vango-go/vai-interpret/pkg/core/voice/stt"
	"github.com/vango-go/vai-interpret/pkg/core/voice/tts"
	"github.com/vango-go/vai-interpret/pkg/metrics"
	"github.com/vango-go/vai-interpret/pkg/relay/client"
	"github.com/vango-go/vai-interpret/pkg/relay/mw"
)

// sessionParams carries the per-command choices that are not part of the
// shared configuration.
type sessionParams struct {
	Role     types.Role
	Language string
	Code     string

	Audio string
	Mic   micOptions

	// Out selects audio output: empty plays through ffplay, "-" writes raw
	// audio to stdout and anything else is a directory of clips.
	Out        string
	FFPlayPath string
	Volume     int

	MetricsAddr string
}

// cleanups runs release funcs in reverse order.
type cleanups []func()

func (c *cleanups) add(fn func()) { *c = append(*c, fn) }

func (c cleanups) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

// newEngine assembles an engine from real providers for p.Role. The returned
// cleanup releases everything built here and must run after the engine is
// closed.
func newEngine(ctx context.Context, cfg config.Config, p sessionParams, logger *slog.Logger) (sessionEngine, func(), error) {
	var done cleanups
	fail := func(err error) (sessionEngine, func(), error) {
		done.run()
		return nil, nil, err
	}

	m := metrics.New("")
	recorders := pipeline.MultiRecorder{m}
	if p.MetricsAddr != "" {
		stop := serveMetrics(p.MetricsAddr, m.Handler(), logger)
		done.add(stop)
	}
	if cfg.AnalyticsDSN != "" {
		store, err := analytics.Open(ctx, cfg.AnalyticsDSN)
		if err != nil {
			return fail(fmt.Errorf("open analytics: %w", err))
		}
		w := analytics.NewWriter(store, analytics.WriterConfig{}, logger.With("component", "analytics"))
		recorders = append(recorders, w)
		done.add(func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.Close(closeCtx); err != nil {
				logger.Warn("flush analytics", "error", err)
			}
			store.Close()
		})
	}

	opts := engine.Options{
		Identity:     identity.NewLocal(),
		Transport:    client.New(cfg.ClientConfig(), logger.With("component", "relay_client")),
		Connectivity: engine.NewManualConnectivity(true),
		Recorder:     recorders,
		Observer:     m,
		Logger:       logger,
	}

	switch p.Role {
	case types.RoleSpeaker:
		rec, err := buildRecognizer(cfg, p, logger)
		if err != nil {
			return fail(err)
		}
		opts.Recognizer = rec
		tr, corr, release, err := buildTranslator(ctx, cfg, p.Language, logger)
		if err != nil {
			return fail(err)
		}
		done.add(release)
		opts.Translator, opts.Corrector = tr, corr
		if cfg.Engine.PreviewLanguage != "" {
			synth, release, err := buildSynthesizer(cfg, p, logger)
			if err != nil {
				return fail(err)
			}
			done.add(release)
			opts.Synthesizer = synth
		}
	case types.RoleAudience:
		synth, release, err := buildSynthesizer(cfg, p, logger)
		if err != nil {
			return fail(err)
		}
		done.add(release)
		opts.Synthesizer = synth
	default:
		return fail(fmt.Errorf("unknown role %q", p.Role))
	}

	eng, err := engine.New(cfg.EngineConfig(), opts)
	if err != nil {
		return fail(err)
	}
	return eng, done.run, nil
}

func buildRecognizer(cfg config.Config, p sessionParams, logger *slog.Logger) (recognition.Recognizer, error) {
	if cfg.Providers.CartesiaAPIKey == "" {
		return nil, errors.New("speech recognition needs CARTESIA_API_KEY")
	}
	provider := stt.NewCartesia(cfg.Providers.CartesiaAPIKey)
	source := audioSource(p.Audio, p.Mic, logger.With("component", "capture"))
	return stt.NewRecognizer(provider, source, stt.StreamOptions{
		Language:   p.Language,
		Encoding:   "pcm_s16le",
		SampleRate: captureSampleRate,
	}, 0, logger.With("component", "stt")), nil
}

type languageModel interface {
	pipeline.Translator
	pipeline.Corrector
}

// buildTranslator returns the configured model decorated with the language
// guard and the translation cache. The corrector is the same model unless
// grammar correction is disabled.
func buildTranslator(ctx context.Context, cfg config.Config, source string, logger *slog.Logger) (pipeline.Translator, pipeline.Corrector, func(), error) {
	pc := cfg.Providers
	var model languageModel
	switch pc.Translator {
	case "openai":
		o, err := translate.NewOpenAI(translate.OpenAIConfig{APIKey: pc.OpenAIAPIKey, Model: pc.TranslateModel, BaseURL: pc.OpenAIBaseURL})
		if err != nil {
			return nil, nil, nil, err
		}
		model = o
	default:
		g, err := translate.NewGemini(ctx, translate.GeminiConfig{APIKey: pc.GeminiAPIKey, Model: pc.TranslateModel})
		if err != nil {
			return nil, nil, nil, err
		}
		model = g
	}

	var corrector pipeline.Corrector = translate.Passthrough{}
	if pc.Grammar {
		corrector = model
	}

	var tr pipeline.Translator = model
	if pc.LanguageGuard {
		langs := append([]string{source}, cfg.Engine.TargetLanguages...)
		if cfg.Engine.PreviewLanguage != "" {
			langs = append(langs, cfg.Engine.PreviewLanguage)
		}
		g, err := translate.NewLanguageGuard(tr, translate.GuardConfig{Languages: langs}, logger.With("component", "language_guard"))
		if err != nil {
			logger.Warn("language guard disabled", "languages", strings.Join(langs, ","), "error", err)
		} else {
			tr = g
		}
	}

	cache, err := translate.NewCache(tr, translate.CacheConfig{Dir: pc.CacheDir, TTL: pc.CacheTTL}, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	release := func() {
		hits, misses := cache.Stats()
		logger.Debug("translation cache closed", "hits", hits, "misses", misses)
		_ = cache.Close()
	}
	return cache, corrector, release, nil
}

func buildSynthesizer(cfg config.Config, p sessionParams, logger *slog.Logger) (playback.Synthesizer, func(), error) {
	pc := cfg.Providers
	var provider tts.Provider
	switch pc.TTS {
	case "elevenlabs":
		if pc.ElevenLabsAPIKey == "" {
			return nil, nil, errors.New("speech synthesis needs ELEVENLABS_API_KEY")
		}
		provider = tts.NewElevenLabs(pc.ElevenLabsAPIKey)
	default:
		if pc.CartesiaAPIKey == "" {
			return nil, nil, errors.New("speech synthesis needs CARTESIA_API_KEY")
		}
		provider = tts.NewCartesia(pc.CartesiaAPIKey)
	}

	base := tts.SynthesizeOptions{Voice: pc.DefaultVoice, Format: "pcm", SampleRate: playbackRate}
	release := func() {}
	var sink tts.Sink
	switch p.Out {
	case "":
		fp := newFFPlaySink(p.FFPlayPath, playbackRate, p.Volume, logger)
		sink = fp
		release = func() { _ = fp.Close() }
	case "-":
		sink = tts.NewWriterSink(os.Stdout)
	default:
		ds, err := tts.NewDirSink(p.Out)
		if err != nil {
			return nil, nil, err
		}
		base.Format = "wav"
		sink = ds
	}
	return tts.NewSpeaker(provider, sink, base, pc.Voices, logger.With("component", "tts")), release, nil
}

// serveMetrics exposes the Prometheus handler on addr until the returned
// func is called.
func serveMetrics(addr string, h http.Handler, logger *slog.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: metricsRouter(h, logger), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server", "addr", addr, "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func metricsRouter(h http.Handler, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", h)
	return mw.Recover(logger, r)
}
