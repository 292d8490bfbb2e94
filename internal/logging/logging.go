// Package logging builds the slog logger shared by the commands. Records are
// rendered by charmbracelet/log.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

// Formats accepted by New.
const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatLogfmt = "logfmt"
)

// New returns a logger writing to w at level ("debug", "info", "warn" or
// "error") in format. Empty values mean info and text.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := log.InfoLevel
	if strings.TrimSpace(level) != "" {
		parsed, err := log.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		lvl = parsed
	}

	var formatter log.Formatter
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatText:
		formatter = log.TextFormatter
	case FormatJSON:
		formatter = log.JSONFormatter
	case FormatLogfmt:
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("log format must be one of text|json|logfmt, got %q", format)
	}

	handler := log.NewWithOptions(w, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
	})
	return slog.New(handler), nil
}

// MustDefault installs a text logger at level on stderr as the slog default
// and returns it. An invalid level falls back to info.
func MustDefault(level string) *slog.Logger {
	logger, err := New(os.Stderr, level, FormatText)
	if err != nil {
		logger, _ = New(os.Stderr, "", FormatText)
	}
	slog.SetDefault(logger)
	return logger
}
