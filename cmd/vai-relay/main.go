package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vango-go/vai-interpret/internal/dotenv"
	"github.com/vango-go/vai-interpret/internal/logging"
	"github.com/vango-go/vai-interpret/pkg/config"
	"github.com/vango-go/vai-interpret/pkg/metrics"
	"github.com/vango-go/vai-interpret/pkg/relay/bridge"
	"github.com/vango-go/vai-interpret/pkg/relay/server"
)

type relayDeps struct {
	loadConfig   func(*viper.Viper, string) (config.Config, error)
	newRelay     func(context.Context, config.Config, *slog.Logger) (*server.Server, func(), error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultRelayDeps() relayDeps {
	return relayDeps{
		loadConfig: config.Load,
		newRelay:   newRelay,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// newRelay wires metrics and the optional Redis bridge into a relay server.
// The returned cleanup releases the bridge connection.
func newRelay(ctx context.Context, cfg config.Config, logger *slog.Logger) (*server.Server, func(), error) {
	opts := server.Options{Logger: logger}
	if cfg.Relay.Metrics {
		opts.Metrics = metrics.New("")
	}
	cleanup := func() {}
	if cfg.Relay.RedisURL != "" {
		b, err := bridge.Dial(ctx, cfg.Relay.RedisURL, cfg.Relay.RedisPrefix, logger.With("component", "bridge"))
		if err != nil {
			return nil, nil, err
		}
		opts.Bridge = b
		cleanup = func() { _ = b.Close() }
		logger.Info("redis bridge enabled", "origin", b.Origin())
	}
	return server.New(cfg.ServerConfig(), opts), cleanup, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Relay.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.Relay.ReadHeaderTimeout,
	}
}

func runRelay(ctx context.Context, cfg config.Config, logger *slog.Logger, deps relayDeps) error {
	if deps.newRelay == nil {
		return errors.New("missing newRelay dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	relay, cleanup, err := deps.newRelay(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build relay: %w", err)
	}
	defer cleanup()
	httpSrv := buildHTTPServer(cfg, relay.Handler())

	logger.Info("starting relay", "addr", cfg.Relay.Addr, "metrics", cfg.Relay.Metrics, "bridge", cfg.Relay.RedisURL != "")

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		_ = relay.Shutdown(context.Background())
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context done, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Relay.ShutdownGrace)
	defer shutdownCancel()
	if err := relay.Shutdown(shutdownCtx); err != nil {
		logger.Warn("relay connections still open after grace period", "error", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func newRootCmd(stderr io.Writer, deps relayDeps) *cobra.Command {
	var configFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:           "vai-relay",
		Short:         "Session relay for live interpretation",
		Long:          "vai-relay fans translation frames out from one speaker to every audience device in a session.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if deps.loadConfig == nil {
				return errors.New("missing loadConfig dependency")
			}
			cfg, err := deps.loadConfig(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return runRelay(cmd.Context(), cfg, logger, deps)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configFile, "config", "", "YAML config file")
	flags.String("addr", ":8090", "Listen address")
	flags.String("redis-url", "", "Redis URL for cross-instance fan-out")
	flags.Bool("metrics", true, "Serve Prometheus metrics on /metrics")
	flags.String("log-level", "info", "Log level (debug|info|warn|error)")
	flags.String("log-format", "text", "Log format (text|json|logfmt)")

	_ = v.BindPFlag("relay.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("relay.redis_url", flags.Lookup("redis-url"))
	_ = v.BindPFlag("relay.metrics", flags.Lookup("metrics"))
	_ = v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = v.BindPFlag("log.format", flags.Lookup("log-format"))
	return cmd
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps relayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}

	cmd := newRootCmd(stderr, deps)
	cmd.SetArgs(args)
	cmd.SetOut(stderr)
	cmd.SetErr(stderr)
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-relay: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultRelayDeps()))
}
