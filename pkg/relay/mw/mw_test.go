package mw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type testBaseWriter struct {
	header      http.Header
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func newTestBaseWriter() *testBaseWriter {
	return &testBaseWriter{header: make(http.Header)}
}

func (w *testBaseWriter) Header() http.Header {
	return w.header
}

func (w *testBaseWriter) WriteHeader(code int) {
	if w.wroteHeader {
		return
	}
	w.status = code
	w.wroteHeader = true
}

func (w *testBaseWriter) Write(p []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.body.Write(p)
}

type testHijackerWriter struct {
	*testBaseWriter
	hijacked bool
}

func (w *testHijackerWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	return nil, nil, nil
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func parseSingleLogRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		t.Fatalf("unmarshal log: %v", err)
	}
	return rec
}

func TestRecover_PanicReturnsJSON(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/abc", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	var env struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error.Type != TypeInternal || env.Error.RequestID == "" {
		t.Fatalf("error=%+v", env.Error)
	}
	if got := rr.Header().Get("X-Request-ID"); got == "" {
		t.Fatalf("expected X-Request-ID header")
	}
}

func TestRequestID_KeepsIncomingHeader(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req_given")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if seen != "req_given" {
		t.Fatalf("request id=%q", seen)
	}
}

func TestRequestID_ReplacesMalformedHeader(t *testing.T) {
	for _, given := range []string{"", "has space", strings.Repeat("x", maxRequestIDLen+1), "caf\u00e9"} {
		var seen string
		h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = RequestIDFrom(r.Context())
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", given)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if seen == given || !strings.HasPrefix(seen, "req_") || len(seen) != len("req_")+26 {
			t.Fatalf("given %q: request id=%q", given, seen)
		}
		if rr.Header().Get("X-Request-ID") != seen {
			t.Fatalf("header=%q, want %q", rr.Header().Get("X-Request-ID"), seen)
		}
	}
}

func TestReject_TagsRequestID(t *testing.T) {
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(WithRequestID(context.Background(), "req_abc"))
	Reject(rr, req, http.StatusServiceUnavailable, TypeUnavailable, "relay is shutting down")

	var env struct {
		Error Error `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rr.Code != http.StatusServiceUnavailable || env.Error.Type != TypeUnavailable || env.Error.RequestID != "req_abc" {
		t.Fatalf("status=%d error=%+v", rr.Code, env.Error)
	}
}

func TestAccessLog_PreservesHijacker(t *testing.T) {
	writer := &testHijackerWriter{testBaseWriter: newTestBaseWriter()}
	loggerOut := &bytes.Buffer{}

	h := AccessLog(newTestLogger(loggerOut), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatalf("expected http.Hijacker to be preserved")
		}
		if _, _, err := hj.Hijack(); err != nil {
			t.Fatalf("hijack failed: %v", err)
		}
	}))

	req := httptest.NewRequest(http.MethodGet, "/session-1", nil)
	req.Header.Set("Upgrade", "websocket")
	h.ServeHTTP(writer, req.WithContext(WithRequestID(context.Background(), "req_test")))

	if !writer.hijacked {
		t.Fatalf("expected underlying hijacker to be invoked")
	}
	rec := parseSingleLogRecord(t, loggerOut)
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusSwitchingProtocols {
		t.Fatalf("logged status=%v", rec["status"])
	}
	if rec["msg"] != "socket closed" || rec["connected_ms"] == nil {
		t.Fatalf("record=%v", rec)
	}
}

func TestAccessLog_StatusLogging(t *testing.T) {
	writer := newTestBaseWriter()
	loggerOut := &bytes.Buffer{}

	h := AccessLog(newTestLogger(loggerOut), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, "draining")
	}))
	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/unknown", nil).WithContext(WithRequestID(context.Background(), "req_test")))

	rec := parseSingleLogRecord(t, loggerOut)
	if got, ok := rec["status"].(float64); !ok || int(got) != http.StatusServiceUnavailable {
		t.Fatalf("logged status=%v", rec["status"])
	}
	if rec["request_id"] != "req_test" {
		t.Fatalf("request_id=%v", rec["request_id"])
	}
}

func TestAccessLog_HealthChecksLogAtDebug(t *testing.T) {
	loggerOut := &bytes.Buffer{}
	h := AccessLog(newTestLogger(loggerOut), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	h.ServeHTTP(newTestBaseWriter(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if loggerOut.Len() != 0 {
		t.Fatalf("health check logged at info: %s", loggerOut.String())
	}
}
