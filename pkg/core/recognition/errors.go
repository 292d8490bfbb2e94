package recognition

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrInvalidTransition is returned when a lifecycle call is not valid in the
	// current state. The manager is left unchanged.
	ErrInvalidTransition = errors.New("recognition: invalid state transition")

	// ErrCircuitOpen is reported through OnFatal when too many consecutive errors
	// occurred, whatever their class.
	ErrCircuitOpen = errors.New("recognition: too many consecutive errors")
)

// Kind is the provider-neutral category of a recognition failure.
type Kind string

const (
	KindNoMatch     Kind = "no_match"
	KindTimeout     Kind = "timeout"
	KindServiceBusy Kind = "service_busy"
	KindAudio       Kind = "audio"
	KindNetwork     Kind = "network"
	KindPermission  Kind = "permission"
	KindUnavailable Kind = "unavailable"
	KindClient      Kind = "client"
	KindUnknown     Kind = "unknown"
)

// Class decides whether a failure is retried.
type Class int

const (
	Transient Class = iota
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "transient"
}

// Error is a classified recognizer failure. Recognizer implementations should
// return or report *Error so the manager can pick the right policy.
type Error struct {
	Kind Kind
	Code string // provider-specific code, for logs
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("recognition ")
	b.WriteString(string(e.Kind))
	if e.Code != "" {
		b.WriteString(" (")
		b.WriteString(e.Code)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a kind.
func NewError(kind Kind, code string, err error) *Error {
	return &Error{Kind: kind, Code: code, Err: err}
}

// KindOf extracts the failure kind from err.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}

// Classify reports whether err should be retried. Unknown failures are treated
// as transient; the circuit breaker bounds them.
func Classify(err error) Class {
	switch KindOf(err) {
	case KindPermission, KindUnavailable, KindClient:
		return Permanent
	default:
		return Transient
	}
}

// UserMessage returns the text surfaced to the user for a fatal error.
func UserMessage(err error) string {
	if errors.Is(err, ErrCircuitOpen) {
		return "Speech recognition keeps failing. Please try again."
	}
	switch KindOf(err) {
	case KindPermission:
		return "Microphone or speech recognition permission was denied."
	case KindUnavailable:
		return "Speech recognition is not available on this device."
	case KindClient:
		return "Speech recognition failed to start."
	}
	return fmt.Sprintf("Speech recognition failed: %v", err)
}
