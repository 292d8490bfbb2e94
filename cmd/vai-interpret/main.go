package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-interpret/internal/dotenv"
	"github.com/vango-go/vai-interpret/internal/logging"
	"github.com/vango-go/vai-interpret/pkg/config"
	"github.com/vango-go/vai-interpret/pkg/core/engine"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// sessionEngine is the part of *engine.Engine the command drives.
type sessionEngine interface {
	StartSpeaker(ctx context.Context, languageCode string) error
	JoinAudience(ctx context.Context, code, languageCode string) error
	Stop(ctx context.Context) error
	Subscribe() (<-chan engine.State, func())
	Close() error
}

var _ sessionEngine = (*engine.Engine)(nil)

type interpretDeps struct {
	loadConfig   func(*viper.Viper, string) (config.Config, error)
	newEngine    func(context.Context, config.Config, sessionParams, *slog.Logger) (sessionEngine, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultInterpretDeps() interpretDeps {
	return interpretDeps{
		loadConfig: config.Load,
		newEngine:  newEngine,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// runSession starts one session and follows its state until the context is
// done, a signal arrives or the session fails. The session is always stopped
// before returning.
func runSession(ctx context.Context, cfg config.Config, p sessionParams, out io.Writer, logger *slog.Logger, deps interpretDeps) (err error) {
	if deps.newEngine == nil {
		return errors.New("missing newEngine dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}

	eng, cleanup, err := deps.newEngine(ctx, cfg, p, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer cleanup()
	defer func() {
		if cerr := eng.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close engine: %w", cerr)
		}
	}()

	states, unsubscribe := eng.Subscribe()
	defer unsubscribe()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	switch p.Role {
	case types.RoleSpeaker:
		err = eng.StartSpeaker(ctx, p.Language)
	default:
		err = eng.JoinAudience(ctx, p.Code, p.Language)
	}
	if err != nil {
		_ = eng.Stop(context.Background())
		return fmt.Errorf("start %s session: %w", p.Role, err)
	}

	var (
		last      engine.State
		announced bool
		failure   error
	)
loop:
	for {
		select {
		case st, ok := <-states:
			if !ok {
				return nil
			}
			if p.Role == types.RoleSpeaker && !announced && st.SessionID != "" {
				fmt.Fprintf(out, "session code: %s\n", st.SessionID)
				announced = true
			}
			logTransition(logger, last, st)
			last = st
			if st.Status == engine.StatusError {
				failure = fmt.Errorf("session failed: %s", st.ErrorMessage)
				break loop
			}
		case <-ctx.Done():
			logger.Info("context done, stopping session")
			break loop
		case sig := <-sigCh:
			logger.Info("stop signal received", "signal", sig.String())
			break loop
		}
	}

	if err := eng.Stop(context.Background()); err != nil {
		logger.Warn("stop session", "error", err)
	}
	logger.Info("session ended", "role", p.Role, "session_id", last.SessionID)
	return failure
}

func logTransition(logger *slog.Logger, prev, next engine.State) {
	if next.Status != prev.Status {
		logger.Info("status", "from", prev.Status, "to", next.Status, "session_id", next.SessionID)
	}
	if next.Online != prev.Online {
		logger.Info("connectivity", "online", next.Online)
	}
	if next.LastTranscript != "" && next.LastTranscript != prev.LastTranscript {
		logger.Info("transcript", "text", next.LastTranscript)
	}
	if next.LastTranslation != "" && next.LastTranslation != prev.LastTranslation {
		logger.Info("translation", "text", next.LastTranslation)
	}
	if next.CountdownSeconds != nil && (prev.CountdownSeconds == nil || *prev.CountdownSeconds != *next.CountdownSeconds) {
		logger.Debug("countdown", "seconds", *next.CountdownSeconds)
	}
	if next.Audience.TotalListeners != prev.Audience.TotalListeners {
		logger.Info("audience", "listeners", next.Audience.TotalListeners, "languages", strings.Join(next.Audience.Languages(), ","))
	}
}

// setup loads configuration and installs the process logger.
func setup(v *viper.Viper, configFile string, stderr io.Writer, deps interpretDeps) (config.Config, *slog.Logger, error) {
	if deps.loadConfig == nil {
		return config.Config{}, nil, errors.New("missing loadConfig dependency")
	}
	cfg, err := deps.loadConfig(v, configFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newRootCmd(stdout, stderr io.Writer, deps interpretDeps) *cobra.Command {
	var configFile string
	v := config.New()

	root := &cobra.Command{
		Use:           "vai-interpret",
		Short:         "Live interpretation from one speaker to many listeners",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.String("relay-url", "ws://localhost:8090", "Session relay WebSocket URL")
	pf.String("log-level", "info", "Log level (debug|info|warn|error)")
	pf.String("log-format", "text", "Log format (text|json|logfmt)")
	pf.String("analytics-dsn", "", "Postgres DSN for per-chunk analytics")
	_ = v.BindPFlag("engine.relay_url", pf.Lookup("relay-url"))
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.format", pf.Lookup("log-format"))
	_ = v.BindPFlag("analytics.dsn", pf.Lookup("analytics-dsn"))

	var metricsAddr string
	pf.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	root.AddCommand(newSpeakerCmd(v, &configFile, &metricsAddr, stdout, stderr, deps))
	root.AddCommand(newAudienceCmd(v, &configFile, &metricsAddr, stdout, stderr, deps))
	return root
}

func newSpeakerCmd(v *viper.Viper, configFile, metricsAddr *string, stdout, stderr io.Writer, deps interpretDeps) *cobra.Command {
	p := sessionParams{Role: types.RoleSpeaker}
	cmd := &cobra.Command{
		Use:   "speaker",
		Short: "Start a session and interpret speech into the configured languages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v, *configFile, stderr, deps)
			if err != nil {
				return err
			}
			p.MetricsAddr = *metricsAddr
			return runSession(cmd.Context(), cfg, p, stdout, logger, deps)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&p.Language, "lang", "en", "Language the speaker talks in")
	flags.StringVar(&p.Audio, "audio", "mic", "Audio input: mic, - for stdin, or a file of 16kHz mono pcm_s16le")
	flags.StringVar(&p.Mic.Format, "mic-format", "", "ffmpeg input format (default avfoundation on macOS, pulse elsewhere)")
	flags.StringVar(&p.Mic.Device, "mic-device", "", "ffmpeg input device")
	flags.StringVar(&p.Mic.Command, "mic-cmd", "", "Shell command producing 16kHz mono pcm_s16le on stdout")
	flags.String("targets", "", "Comma separated target languages")
	flags.String("preview", "", "Play own translations locally in this language")
	flags.StringVar(&p.Out, "out", "", "Preview output: empty for ffplay, - for stdout, or a directory")
	flags.StringVar(&p.FFPlayPath, "ffplay", "ffplay", "ffplay binary")
	flags.IntVar(&p.Volume, "volume", 100, "ffplay volume (0-100)")
	_ = v.BindPFlag("engine.target_languages", flags.Lookup("targets"))
	_ = v.BindPFlag("engine.preview_language", flags.Lookup("preview"))
	return cmd
}

func newAudienceCmd(v *viper.Viper, configFile, metricsAddr *string, stdout, stderr io.Writer, deps interpretDeps) *cobra.Command {
	p := sessionParams{Role: types.RoleAudience}
	cmd := &cobra.Command{
		Use:   "audience CODE",
		Short: "Join a session and listen to its translations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(v, *configFile, stderr, deps)
			if err != nil {
				return err
			}
			p.Code = args[0]
			p.MetricsAddr = *metricsAddr
			return runSession(cmd.Context(), cfg, p, stdout, logger, deps)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&p.Language, "lang", "es", "Language to listen in")
	flags.StringVar(&p.Out, "out", "", "Audio output: empty for ffplay, - for stdout, or a directory")
	flags.StringVar(&p.FFPlayPath, "ffplay", "ffplay", "ffplay binary")
	flags.IntVar(&p.Volume, "volume", 100, "ffplay volume (0-100)")
	flags.String("tts", "", "Speech provider (cartesia|elevenlabs)")
	_ = v.BindPFlag("providers.tts", flags.Lookup("tts"))
	return cmd
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps interpretDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-interpret: %v\n", err)
		return 1
	}

	cmd := newRootCmd(stdout, stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-interpret: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultInterpretDeps()))
}
