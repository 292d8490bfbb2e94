// Package tts synthesizes translated segments and hands the audio to a sink.
package tts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// DefaultSampleRate is used when SynthesizeOptions.SampleRate is zero.
const DefaultSampleRate = 24000

var ErrEmptyText = errors.New("tts: empty text")

// Provider turns one segment of text into audio.
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

type SynthesizeOptions struct {
	Voice    string
	Language string
	// Format is "wav", "mp3" or "pcm"; anything else means wav.
	Format     string
	SampleRate int

	// Optional voice shaping, honored where the provider supports it.
	Speed   float64
	Volume  float64
	Emotion string
}

// Synthesis is one synthesized segment.
type Synthesis struct {
	Audio    []byte
	Format   string
	Language string
	Text     string
}

// StatusError is a non-success HTTP response from a provider.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s error %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Body)
}

// Temporary reports whether err is a throttling or server-side failure worth
// retrying.
func Temporary(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
}

func getFormat(format string) string {
	switch format {
	case "mp3", "pcm", "raw", "wav":
		return format
	default:
		return "wav"
	}
}

// baseLanguage strips a region subtag: "es-MX" becomes "es".
func baseLanguage(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	base, _, _ := strings.Cut(strings.ReplaceAll(code, "_", "-"), "-")
	return base
}
