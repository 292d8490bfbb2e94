package engine

import (
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// Status is the engine's top-level state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusListening   Status = "listening"
	StatusTranslating Status = "translating"
	StatusBuffering   Status = "buffering"
	StatusCountdown   Status = "countdown"
	StatusSpeaking    Status = "speaking"
	StatusPaused      Status = "paused"
	StatusError       Status = "error"
)

// State is an immutable snapshot published to subscribers. Receivers must not
// modify it.
type State struct {
	Status           Status             `json:"status"`
	Role             types.Role         `json:"role,omitempty"`
	SessionID        string             `json:"session_id,omitempty"`
	LanguageCode     string             `json:"language_code,omitempty"`
	CountdownSeconds *int               `json:"countdown_seconds,omitempty"`
	LastTranscript   string             `json:"last_transcript,omitempty"`
	LastTranslation  string             `json:"last_translation,omitempty"`
	Buffer           []types.Segment    `json:"buffer,omitempty"`
	ErrorMessage     string             `json:"error_message,omitempty"`
	Online           bool               `json:"online"`
	BufferDepleted   bool               `json:"buffer_depleted"`
	Audience         types.AudienceInfo `json:"audience"`
	// QueuedChunks counts flushed speaker chunks waiting for the pipeline.
	QueuedChunks int `json:"queued_chunks,omitempty"`
}

func (s State) clone() State {
	out := s
	if s.CountdownSeconds != nil {
		n := *s.CountdownSeconds
		out.CountdownSeconds = &n
	}
	if s.Buffer != nil {
		out.Buffer = append([]types.Segment(nil), s.Buffer...)
	}
	out.Audience = s.Audience.Clone()
	return out
}

// Active reports whether a session is running or failed.
func (s State) Active() bool {
	return s.Status != StatusIdle
}
