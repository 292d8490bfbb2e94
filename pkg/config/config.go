// Package config loads settings for the relay and the interpretation engine.
// Values come from defaults, an optional YAML file, VAI_* environment
// variables and bound command-line flags, in increasing precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-interpret/pkg/core/engine"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
	"github.com/vango-go/vai-interpret/pkg/relay/client"
	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
	"github.com/vango-go/vai-interpret/pkg/relay/server"
)

const EnvPrefix = "VAI"

type Config struct {
	LogLevel  string
	LogFormat string

	Relay     Relay
	Engine    Engine
	Providers Providers

	// AnalyticsDSN enables per-chunk analytics in Postgres when set.
	AnalyticsDSN string
}

type Relay struct {
	Addr              string
	PingInterval      time.Duration
	StaleTimeout      time.Duration
	WriteTimeout      time.Duration
	SendQueue         int
	MaxFrameBytes     int64
	AllowedOrigins    []string
	ReadHeaderTimeout time.Duration
	ShutdownGrace     time.Duration
	Metrics           bool

	// RedisURL enables cross-instance fan-out.
	RedisURL    string
	RedisPrefix string
}

type Engine struct {
	RelayURL             string
	TargetLanguages      []string
	PreviewLanguage      string
	FollowAudience       bool
	BroadcastTranscripts bool

	FlushInterval           time.Duration
	ForceCheckInterval      time.Duration
	MaxPendingChars         int
	MaxPendingSentences     int
	PunctuationMinSentences int

	Threshold         int
	CountdownDuration time.Duration
	InterSegmentPause time.Duration
	DepletionTimeout  time.Duration
	SegmentTTL        time.Duration

	DispatchTimeout  time.Duration
	DispatchCooldown time.Duration
	StopTimeout      time.Duration

	MinRestartDelay      time.Duration
	OrphanPartialWindow  time.Duration
	MaxConsecutiveErrors int
	BackoffBase          time.Duration
	BackoffMax           time.Duration
}

type Providers struct {
	STT              string
	TTS              string
	Translator       string
	TranslateModel   string
	Grammar          bool
	CartesiaAPIKey   string
	ElevenLabsAPIKey string
	GeminiAPIKey     string
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	// Voices maps a language code to a provider voice id.
	Voices       map[string]string
	DefaultVoice string

	CacheDir      string
	CacheTTL      time.Duration
	LanguageGuard bool
}

// New returns a viper instance with defaults and environment lookup wired.
// Callers bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, alias := range map[string]string{
		"providers.cartesia_api_key":   "CARTESIA_API_KEY",
		"providers.elevenlabs_api_key": "ELEVENLABS_API_KEY",
		"providers.gemini_api_key":     "GEMINI_API_KEY",
		"providers.openai_api_key":     "OPENAI_API_KEY",
	} {
		_ = v.BindEnv(key, EnvName(key), alias)
	}
	return v
}

// EnvName returns the environment variable read for key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	seg := segment.DefaultConfig()
	play := playback.DefaultConfig()
	rec := recognition.DefaultConfig()
	relay := server.DefaultConfig()
	eng := engine.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("relay.addr", ":8090")
	v.SetDefault("relay.ping_interval", relay.PingInterval)
	v.SetDefault("relay.stale_timeout", relay.StaleTimeout)
	v.SetDefault("relay.write_timeout", relay.WriteTimeout)
	v.SetDefault("relay.send_queue", relay.SendQueue)
	v.SetDefault("relay.max_frame_bytes", relay.MaxFrameBytes)
	v.SetDefault("relay.allowed_origins", "")
	v.SetDefault("relay.read_header_timeout", 10*time.Second)
	v.SetDefault("relay.shutdown_grace", 15*time.Second)
	v.SetDefault("relay.metrics", true)
	v.SetDefault("relay.redis_url", "")
	v.SetDefault("relay.redis_prefix", "")

	v.SetDefault("engine.relay_url", "ws://localhost:8090")
	v.SetDefault("engine.target_languages", "")
	v.SetDefault("engine.preview_language", "")
	v.SetDefault("engine.follow_audience", true)
	v.SetDefault("engine.broadcast_transcripts", false)
	v.SetDefault("engine.flush_interval", seg.FlushInterval)
	v.SetDefault("engine.force_check_interval", seg.ForceCheckInterval)
	v.SetDefault("engine.max_pending_chars", seg.MaxPendingChars)
	v.SetDefault("engine.max_pending_sentences", seg.MaxPendingSentences)
	v.SetDefault("engine.punctuation_min_sentences", seg.PunctuationMinSentences)
	v.SetDefault("engine.threshold", play.Threshold)
	v.SetDefault("engine.countdown", play.CountdownDuration)
	v.SetDefault("engine.inter_segment_pause", play.InterSegmentPause)
	v.SetDefault("engine.depletion_timeout", play.DepletionTimeout)
	v.SetDefault("engine.segment_ttl", play.SegmentTTL)
	v.SetDefault("engine.dispatch_timeout", eng.DispatchTimeout)
	v.SetDefault("engine.dispatch_cooldown", eng.DispatchCooldown)
	v.SetDefault("engine.stop_timeout", eng.StopTimeout)
	v.SetDefault("engine.min_restart_delay", rec.MinRestartDelay)
	v.SetDefault("engine.orphan_partial_window", rec.OrphanPartialWindow)
	v.SetDefault("engine.max_consecutive_errors", rec.MaxConsecutiveErrors)
	v.SetDefault("engine.backoff_base", rec.BackoffBase)
	v.SetDefault("engine.backoff_max", rec.BackoffMax)

	v.SetDefault("providers.stt", "cartesia")
	v.SetDefault("providers.tts", "cartesia")
	v.SetDefault("providers.translator", "gemini")
	v.SetDefault("providers.translate_model", "")
	v.SetDefault("providers.grammar", true)
	v.SetDefault("providers.openai_base_url", "")
	v.SetDefault("providers.voices", "")
	v.SetDefault("providers.default_voice", "")
	v.SetDefault("providers.cache_dir", "")
	v.SetDefault("providers.cache_ttl", 10*time.Minute)
	v.SetDefault("providers.language_guard", true)

	v.SetDefault("analytics.dsn", "")
}

// Load reads file (when non-empty) into v and returns the validated settings.
// A nil v is replaced by New().
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = New()
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := Config{
		LogLevel:  v.GetString("log.level"),
		LogFormat: v.GetString("log.format"),
		Relay: Relay{
			Addr:              v.GetString("relay.addr"),
			PingInterval:      v.GetDuration("relay.ping_interval"),
			StaleTimeout:      v.GetDuration("relay.stale_timeout"),
			WriteTimeout:      v.GetDuration("relay.write_timeout"),
			SendQueue:         v.GetInt("relay.send_queue"),
			MaxFrameBytes:     v.GetInt64("relay.max_frame_bytes"),
			AllowedOrigins:    stringList(v, "relay.allowed_origins"),
			ReadHeaderTimeout: v.GetDuration("relay.read_header_timeout"),
			ShutdownGrace:     v.GetDuration("relay.shutdown_grace"),
			Metrics:           v.GetBool("relay.metrics"),
			RedisURL:          v.GetString("relay.redis_url"),
			RedisPrefix:       v.GetString("relay.redis_prefix"),
		},
		Engine: Engine{
			RelayURL:                v.GetString("engine.relay_url"),
			TargetLanguages:         stringList(v, "engine.target_languages"),
			PreviewLanguage:         v.GetString("engine.preview_language"),
			FollowAudience:          v.GetBool("engine.follow_audience"),
			BroadcastTranscripts:    v.GetBool("engine.broadcast_transcripts"),
			FlushInterval:           v.GetDuration("engine.flush_interval"),
			ForceCheckInterval:      v.GetDuration("engine.force_check_interval"),
			MaxPendingChars:         v.GetInt("engine.max_pending_chars"),
			MaxPendingSentences:     v.GetInt("engine.max_pending_sentences"),
			PunctuationMinSentences: v.GetInt("engine.punctuation_min_sentences"),
			Threshold:               v.GetInt("engine.threshold"),
			CountdownDuration:       v.GetDuration("engine.countdown"),
			InterSegmentPause:       v.GetDuration("engine.inter_segment_pause"),
			DepletionTimeout:        v.GetDuration("engine.depletion_timeout"),
			SegmentTTL:              v.GetDuration("engine.segment_ttl"),
			DispatchTimeout:         v.GetDuration("engine.dispatch_timeout"),
			DispatchCooldown:        v.GetDuration("engine.dispatch_cooldown"),
			StopTimeout:             v.GetDuration("engine.stop_timeout"),
			MinRestartDelay:         v.GetDuration("engine.min_restart_delay"),
			OrphanPartialWindow:     v.GetDuration("engine.orphan_partial_window"),
			MaxConsecutiveErrors:    v.GetInt("engine.max_consecutive_errors"),
			BackoffBase:             v.GetDuration("engine.backoff_base"),
			BackoffMax:              v.GetDuration("engine.backoff_max"),
		},
		Providers: Providers{
			STT:              strings.ToLower(v.GetString("providers.stt")),
			TTS:              strings.ToLower(v.GetString("providers.tts")),
			Translator:       strings.ToLower(v.GetString("providers.translator")),
			TranslateModel:   v.GetString("providers.translate_model"),
			Grammar:          v.GetBool("providers.grammar"),
			CartesiaAPIKey:   v.GetString("providers.cartesia_api_key"),
			ElevenLabsAPIKey: v.GetString("providers.elevenlabs_api_key"),
			GeminiAPIKey:     v.GetString("providers.gemini_api_key"),
			OpenAIAPIKey:     v.GetString("providers.openai_api_key"),
			OpenAIBaseURL:    v.GetString("providers.openai_base_url"),
			Voices:           stringMap(v, "providers.voices"),
			DefaultVoice:     v.GetString("providers.default_voice"),
			CacheDir:         v.GetString("providers.cache_dir"),
			CacheTTL:         v.GetDuration("providers.cache_ttl"),
			LanguageGuard:    v.GetBool("providers.language_guard"),
		},
		AnalyticsDSN: v.GetString("analytics.dsn"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every bound. Errors name the environment variable to fix.
func (c Config) Validate() error {
	positive := []struct {
		key string
		ok  bool
	}{
		{"relay.ping_interval", c.Relay.PingInterval > 0},
		{"relay.stale_timeout", c.Relay.StaleTimeout > 0},
		{"relay.write_timeout", c.Relay.WriteTimeout > 0},
		{"relay.send_queue", c.Relay.SendQueue > 0},
		{"relay.max_frame_bytes", c.Relay.MaxFrameBytes > 0},
		{"relay.read_header_timeout", c.Relay.ReadHeaderTimeout > 0},
		{"relay.shutdown_grace", c.Relay.ShutdownGrace > 0},
		{"engine.flush_interval", c.Engine.FlushInterval > 0},
		{"engine.force_check_interval", c.Engine.ForceCheckInterval > 0},
		{"engine.max_pending_chars", c.Engine.MaxPendingChars > 0},
		{"engine.max_pending_sentences", c.Engine.MaxPendingSentences > 0},
		{"engine.punctuation_min_sentences", c.Engine.PunctuationMinSentences > 0},
		{"engine.threshold", c.Engine.Threshold > 0},
		{"engine.countdown", c.Engine.CountdownDuration > 0},
		{"engine.depletion_timeout", c.Engine.DepletionTimeout > 0},
		{"engine.dispatch_timeout", c.Engine.DispatchTimeout > 0},
		{"engine.stop_timeout", c.Engine.StopTimeout > 0},
		{"engine.orphan_partial_window", c.Engine.OrphanPartialWindow > 0},
		{"engine.max_consecutive_errors", c.Engine.MaxConsecutiveErrors > 0},
		{"engine.backoff_base", c.Engine.BackoffBase > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be > 0", EnvName(p.key))
		}
	}
	nonNegative := []struct {
		key string
		ok  bool
	}{
		{"engine.inter_segment_pause", c.Engine.InterSegmentPause >= 0},
		{"engine.segment_ttl", c.Engine.SegmentTTL >= 0},
		{"engine.dispatch_cooldown", c.Engine.DispatchCooldown >= 0},
		{"engine.min_restart_delay", c.Engine.MinRestartDelay >= 0},
		{"providers.cache_ttl", c.Providers.CacheTTL >= 0},
	}
	for _, p := range nonNegative {
		if !p.ok {
			return fmt.Errorf("%s must be >= 0", EnvName(p.key))
		}
	}
	if c.Relay.MaxFrameBytes > protocol.MaxFrameBytes {
		return fmt.Errorf("%s must be <= %d", EnvName("relay.max_frame_bytes"), protocol.MaxFrameBytes)
	}
	if c.Relay.StaleTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("%s must be greater than %s", EnvName("relay.stale_timeout"), EnvName("relay.ping_interval"))
	}
	if c.Engine.BackoffMax < c.Engine.BackoffBase {
		return fmt.Errorf("%s must be >= %s", EnvName("engine.backoff_max"), EnvName("engine.backoff_base"))
	}
	if err := oneOf("providers.stt", c.Providers.STT, "cartesia"); err != nil {
		return err
	}
	if err := oneOf("providers.tts", c.Providers.TTS, "cartesia", "elevenlabs"); err != nil {
		return err
	}
	if err := oneOf("providers.translator", c.Providers.Translator, "gemini", "openai"); err != nil {
		return err
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s", EnvName(key), strings.Join(allowed, "|"))
}

// EngineConfig maps the settings onto the engine and the components it owns.
func (c Config) EngineConfig() engine.Config {
	e := c.Engine
	cfg := engine.DefaultConfig()
	cfg.Segment = segment.Config{
		FlushInterval:           e.FlushInterval,
		ForceCheckInterval:      e.ForceCheckInterval,
		MaxPendingChars:         e.MaxPendingChars,
		MaxPendingSentences:     e.MaxPendingSentences,
		PunctuationMinSentences: e.PunctuationMinSentences,
	}
	cfg.Playback.Threshold = e.Threshold
	cfg.Playback.CountdownDuration = e.CountdownDuration
	cfg.Playback.InterSegmentPause = e.InterSegmentPause
	cfg.Playback.DepletionTimeout = e.DepletionTimeout
	cfg.Playback.SegmentTTL = e.SegmentTTL
	cfg.Preview.CountdownDuration = e.CountdownDuration
	cfg.Preview.InterSegmentPause = e.InterSegmentPause

	cfg.Recognition.MinRestartDelay = e.MinRestartDelay
	cfg.Recognition.OrphanPartialWindow = e.OrphanPartialWindow
	cfg.Recognition.MaxConsecutiveErrors = e.MaxConsecutiveErrors
	cfg.Recognition.BackoffBase = e.BackoffBase
	cfg.Recognition.BackoffMax = e.BackoffMax

	cfg.TargetLanguages = append([]string(nil), e.TargetLanguages...)
	cfg.PreviewLanguage = e.PreviewLanguage
	cfg.FollowAudience = e.FollowAudience
	cfg.BroadcastTranscripts = e.BroadcastTranscripts
	cfg.DispatchTimeout = e.DispatchTimeout
	cfg.DispatchCooldown = e.DispatchCooldown
	cfg.StopTimeout = e.StopTimeout
	return cfg
}

// ServerConfig maps the relay settings onto the relay server.
func (c Config) ServerConfig() server.Config {
	return server.Config{
		PingInterval:   c.Relay.PingInterval,
		StaleTimeout:   c.Relay.StaleTimeout,
		WriteTimeout:   c.Relay.WriteTimeout,
		SendQueue:      c.Relay.SendQueue,
		MaxFrameBytes:  c.Relay.MaxFrameBytes,
		AllowedOrigins: append([]string(nil), c.Relay.AllowedOrigins...),
	}
}

// ClientConfig returns the relay client settings used by the engine.
func (c Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.BaseURL = c.Engine.RelayURL
	cfg.WriteTimeout = c.Engine.DispatchTimeout
	return cfg
}

// stringList accepts a YAML list or a comma separated string.
func stringList(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		return splitCSV(s)
	}
	var out []string
	for _, item := range v.GetStringSlice(key) {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// stringMap accepts a YAML mapping or "k=v,k2=v2".
func stringMap(v *viper.Viper, key string) map[string]string {
	out := make(map[string]string)
	if s, ok := v.Get(key).(string); ok {
		for _, pair := range splitCSV(s) {
			k, val, found := strings.Cut(pair, "=")
			if !found {
				continue
			}
			if k, val = strings.TrimSpace(k), strings.TrimSpace(val); k != "" && val != "" {
				out[strings.ToLower(k)] = val
			}
		}
		return out
	}
	for k, val := range v.GetStringMapString(key) {
		out[strings.ToLower(k)] = val
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
