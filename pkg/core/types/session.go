// Package types holds the session records shared by the engine and its
// components.
package types

import (
	"sort"
	"strings"
	"time"
)

// Role is the part a device plays in a live session.
type Role string

const (
	RoleSpeaker  Role = "speaker"
	RoleAudience Role = "audience"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleSpeaker || r == RoleAudience
}

// Session is the device-local record of a started or joined session.
type Session struct {
	ID           string    `json:"id"`
	Role         Role      `json:"role"`
	LanguageCode string    `json:"language_code"`
	StartedAt    time.Time `json:"started_at"`
	Paused       bool      `json:"paused"`
}

// TranscriptFragment is one recognition result. Stability is reported by some
// recognizers and carried for diagnostics only.
type TranscriptFragment struct {
	Text       string    `json:"text"`
	IsFinal    bool      `json:"is_final"`
	Confidence float64   `json:"confidence,omitempty"`
	Stability  *float64  `json:"stability,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Blank reports whether the fragment carries no meaningful text.
func (f TranscriptFragment) Blank() bool {
	return strings.TrimSpace(f.Text) == ""
}

// AudienceInfo summarizes who is listening. It is advisory.
type AudienceInfo struct {
	TotalListeners       int            `json:"total_listeners"`
	LanguageDistribution map[string]int `json:"language_distribution,omitempty"`
}

// Clone returns a deep copy.
func (a AudienceInfo) Clone() AudienceInfo {
	out := AudienceInfo{TotalListeners: a.TotalListeners}
	if len(a.LanguageDistribution) > 0 {
		out.LanguageDistribution = make(map[string]int, len(a.LanguageDistribution))
		for k, v := range a.LanguageDistribution {
			out.LanguageDistribution[k] = v
		}
	}
	return out
}

// Languages returns the languages present, most listeners first.
func (a AudienceInfo) Languages() []string {
	langs := make([]string, 0, len(a.LanguageDistribution))
	for lang, n := range a.LanguageDistribution {
		if n > 0 {
			langs = append(langs, lang)
		}
	}
	sort.Slice(langs, func(i, j int) bool {
		ni, nj := a.LanguageDistribution[langs[i]], a.LanguageDistribution[langs[j]]
		if ni != nj {
			return ni > nj
		}
		return langs[i] < langs[j]
	})
	return langs
}

// Segment is one translated utterance waiting to be spoken.
type Segment struct {
	Seq        uint64    `json:"seq"`
	Text       string    `json:"text"`
	Language   string    `json:"language"`
	ReceivedAt time.Time `json:"received_at"`
}
