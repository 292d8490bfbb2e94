// Package stt adapts streaming speech-to-text services to the recognition
// manager.
package stt

import (
	"context"
	"errors"
)

// ErrStreamClosed is reported when the provider ends a stream the caller did
// not close.
var ErrStreamClosed = errors.New("stt: stream closed by provider")

// Provider opens streaming transcription sessions.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// NewStream opens a live transcription session.
	NewStream(ctx context.Context, opts StreamOptions) (Stream, error)
}

// StreamOptions configures a streaming session.
type StreamOptions struct {
	Model      string // Provider-specific model (default: "ink-whisper")
	Language   string // ISO language code (default: "en")
	Encoding   string // Raw audio encoding (default: "pcm_s16le")
	SampleRate int    // Audio sample rate in Hz (default: 16000)
	MinVolume  float64
}

// Stream is one open transcription session.
type Stream interface {
	// SendAudio writes raw audio in the session's encoding.
	SendAudio(data []byte) error
	// Finalize asks the provider to flush pending audio into a final result.
	Finalize() error
	// Events delivers transcripts and errors until the stream ends, then closes.
	Events() <-chan Event
	Close() error
}

// Event is one transcript update, or an error if Err is set.
type Event struct {
	Text      string
	IsFinal   bool
	Stability *float64
	Language  string
	Duration  float64
	Err       error
}
