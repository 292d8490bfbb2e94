package engine

import (
	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/types"
	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
)

func (e *Engine) onFrame(gen uint64, data []byte) {
	s := e.current(gen)
	if s == nil {
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		e.logger.Debug("ignoring relay frame", "session_id", s.id, "error", err)
		return
	}
	switch m := msg.(type) {
	case protocol.Translation:
		if s.role != types.RoleAudience || s.player == nil {
			return
		}
		if !pipeline.SameLanguage(m.TargetLanguage, s.lang) {
			return
		}
		if s.player.Enqueue(types.Segment{
			Seq:        m.Seq,
			Text:       m.TranslatedText,
			Language:   m.TargetLanguage,
			ReceivedAt: e.clock.Now(),
		}) {
			e.state.LastTranslation = m.TranslatedText
		}
	case protocol.Transcript:
		if s.role == types.RoleAudience {
			e.state.LastTranscript = m.Text
		}
	case protocol.AudienceUpdate:
		s.audience = types.AudienceInfo{
			TotalListeners:       m.TotalListeners,
			LanguageDistribution: m.LanguageDistribution,
		}.Clone()
		e.state.Audience = s.audience.Clone()
	case protocol.SessionEnd:
		if s.role == types.RoleAudience {
			e.logger.Info("speaker ended the session", "session_id", s.id, "reason", m.Reason)
		}
	}
}
