// Package protocol defines the JSON frames exchanged over the session relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	TypeTranscript     = "transcript"
	TypeTranslation    = "translation"
	TypeAudienceUpdate = "audience_update"
	TypeSessionJoin    = "session_join"
	TypeSessionLeave   = "session_leave"
	TypeSessionEnd     = "session_end"

	RoleSpeaker  = "speaker"
	RoleAudience = "audience"

	// MaxFrameBytes bounds every frame in either direction.
	MaxFrameBytes = 16 * 1024
)

// ErrFrameTooLarge is returned by Encode for frames over MaxFrameBytes.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// Transcript carries the speaker's recognized text, for live captions.
type Transcript struct {
	Type        string `json:"type"`
	ID          string `json:"id,omitempty"`
	SessionID   string `json:"session_id"`
	Text        string `json:"text"`
	IsFinal     bool   `json:"is_final"`
	Language    string `json:"language,omitempty"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Translation is the broadcast event for one translated chunk.
type Translation struct {
	Type           string `json:"type"`
	ID             string `json:"id,omitempty"`
	SessionID      string `json:"session_id"`
	Seq            uint64 `json:"seq"`
	TranslatedText string `json:"translated_text"`
	TargetLanguage string `json:"target_language"`
	SourceText     string `json:"source_text,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TimestampMS    int64  `json:"timestamp_ms"`
}

// AudienceUpdate summarizes current listeners. It is advisory.
type AudienceUpdate struct {
	Type                 string         `json:"type"`
	SessionID            string         `json:"session_id"`
	TotalListeners       int            `json:"total_listeners"`
	LanguageDistribution map[string]int `json:"language_distribution"`
}

// SessionJoin announces a member's role and preferred language.
type SessionJoin struct {
	Type     string `json:"type"`
	Role     string `json:"role"`
	Language string `json:"language,omitempty"`
}

type SessionLeave struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Language string `json:"language,omitempty"`
}

// SessionEnd is sent by the speaker when the session is over.
type SessionEnd struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// Envelope is the subset of fields Peek extracts.
type Envelope struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Language string `json:"language,omitempty"`
	Seq      uint64 `json:"seq,omitempty"`
}

// Peek parses the routing fields of a frame without validating the rest.
func Peek(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, badRequest("invalid json frame", "")
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return env, badRequest("missing type", "type")
	}
	return env, nil
}

// Decode parses and validates a frame, returning one of the frame structs.
func Decode(data []byte) (any, error) {
	env, err := Peek(data)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case TypeTranscript:
		var msg Transcript
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid transcript", "")
		}
		return msg, nil
	case TypeTranslation:
		var msg Translation
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid translation", "")
		}
		if strings.TrimSpace(msg.TranslatedText) == "" {
			return nil, badRequest("translation.translated_text is required", "translated_text")
		}
		if strings.TrimSpace(msg.TargetLanguage) == "" {
			return nil, badRequest("translation.target_language is required", "target_language")
		}
		return msg, nil
	case TypeAudienceUpdate:
		var msg AudienceUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audience_update", "")
		}
		if msg.TotalListeners < 0 {
			return nil, badRequest("audience_update.total_listeners must be >= 0", "total_listeners")
		}
		return msg, nil
	case TypeSessionJoin:
		var msg SessionJoin
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_join", "")
		}
		switch msg.Role {
		case RoleSpeaker, RoleAudience:
		default:
			return nil, badRequest("session_join.role must be speaker or audience", "role")
		}
		return msg, nil
	case TypeSessionLeave:
		var msg SessionLeave
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_leave", "")
		}
		return msg, nil
	case TypeSessionEnd:
		var msg SessionEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid session_end", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// Encode marshals a frame and enforces MaxFrameBytes.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	return data, nil
}

// NewMessageID returns a lexically sortable frame id.
func NewMessageID() string {
	return ulid.Make().String()
}

// TimestampMS converts t to Unix milliseconds.
func TimestampMS(t time.Time) int64 {
	return t.UnixMilli()
}
