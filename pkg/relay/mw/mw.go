// Package mw holds the HTTP middleware in front of the relay router.
package mw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
)

// Error types returned in JSON error bodies.
const (
	TypeNotFound    = "not_found_error"
	TypeUnavailable = "unavailable_error"
	TypeInternal    = "internal_error"
)

const maxRequestIDLen = 64

type ctxKeyRequestID struct{}

func RequestIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyRequestID{}).(string)
	return id, ok && id != ""
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID{}, id)
}

// RequestID keeps a well-formed incoming X-Request-ID and otherwise assigns a
// new ULID based one.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if !validRequestID(id) {
			id = "req_" + ulid.Make().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(WithRequestID(r.Context(), id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, r := range id {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || r == ' ' {
			return false
		}
	}
	return true
}

func Recover(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				if logger != nil {
					reqID, _ := RequestIDFrom(r.Context())
					logger.Error("panic in relay handler", "panic", v, "request_id", reqID, "path", r.URL.Path)
				}
				Reject(w, r, http.StatusInternalServerError, TypeInternal, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// AccessLog logs one line per request. Socket lines are written when the
// connection ends and carry its lifetime; health and metrics requests log at debug level.
// The wrapped writer keeps http.Hijacker so upgrades pass through.
func AccessLog(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if logger == nil {
			return
		}
		reqID, _ := RequestIDFrom(r.Context())
		status := ww.Status()
		elapsed := time.Since(start).Milliseconds()

		if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			if status == 0 {
				status = http.StatusSwitchingProtocols
			}
			logger.Info("socket closed",
				"request_id", reqID,
				"path", r.URL.Path,
				"status", status,
				"connected_ms", elapsed,
			)
			return
		}
		if status == 0 {
			status = http.StatusOK
		}
		level := slog.LevelInfo
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			level = slog.LevelDebug
		}
		logger.Log(r.Context(), level, "request",
			"request_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration_ms", elapsed,
		)
	})
}

// Error is the JSON error body returned by relay HTTP endpoints.
type Error struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error *Error `json:"error"`
}

func WriteJSONError(w http.ResponseWriter, status int, err *Error) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: err})
}

// Reject writes an error body tagged with r's request id.
func Reject(w http.ResponseWriter, r *http.Request, status int, typ, msg string) {
	reqID, _ := RequestIDFrom(r.Context())
	WriteJSONError(w, status, &Error{Type: typ, Message: msg, RequestID: reqID})
}
