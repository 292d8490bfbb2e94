package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNew_JSONCarriesAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "info", FormatJSON)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("chunk flushed", "session_id", "ABC123", "seq", 4)

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "chunk flushed" || rec["session_id"] != "ABC123" {
		t.Fatalf("record=%v", rec)
	}
	if rec["level"] != "info" {
		t.Fatalf("level=%v", rec["level"])
	}
}

func TestNew_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(&buf, "warn", FormatLogfmt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("hidden")
	logger.Debug("hidden too")
	logger.Warn("visible", "reason", "force")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("filtered records written: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "reason=force") {
		t.Fatalf("output=%q", out)
	}
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	if _, err := New(nil, "loud", FormatText); err == nil {
		t.Fatal("accepted unknown level")
	}
	if _, err := New(nil, "info", "xml"); err == nil {
		t.Fatal("accepted unknown format")
	}
	if _, err := New(&bytes.Buffer{}, "", ""); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
}
