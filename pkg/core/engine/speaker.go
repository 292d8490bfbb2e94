package engine

import (
	"context"
	"strings"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
	"github.com/vango-go/vai-interpret/pkg/core/types"
	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
)

func (e *Engine) startSpeaker(s *session) {
	logger := e.logger.With("session_id", s.id)
	s.buf = segment.New(e.cfg.Segment, e.clock.Now, logger.With("component", "segment"))

	dispatcher := pipeline.NewDispatcher(pipeline.SenderFunc(e.sendDelivery),
		e.cfg.DispatchTimeout, e.cfg.DispatchCooldown, e.clock, logger.With("component", "dispatch"))
	pipe, err := pipeline.New(pipeline.Options{
		Corrector:       e.corrector,
		Translator:      e.translate,
		Dispatcher:      dispatcher,
		TargetLanguages: e.cfg.TargetLanguages,
		Recorder:        e.recorder,
		Clock:           e.clock,
		Logger:          logger.With("component", "pipeline"),
	})
	if err != nil {
		e.fail(s, "Could not start the session.", err)
		return
	}
	s.pipe = pipe

	if e.cfg.PreviewLanguage != "" && e.synth != nil {
		s.player = e.newPlayer(s, e.cfg.Preview)
	}
	s.tickTask = e.sched.Every(e.cfg.TickInterval, e.tick)

	ctx := s.ctx
	e.recQ.Go(func() {
		if err := e.rec.Start(ctx); err != nil {
			e.box.put(event{kind: evRecFatal, err: err})
		}
	})
}

// speaker returns the speaker session that is still accepting input.
func (e *Engine) speaker() *session {
	s := e.sess
	if s == nil || s.failed || s.role != types.RoleSpeaker || s.buf == nil {
		return nil
	}
	return s
}

func (e *Engine) onRecognitionState(st recognition.State) {
	s := e.speaker()
	if s == nil || s.stopping {
		return
	}
	if st == recognition.StateListening && !s.ready {
		s.ready = true
		s.resolve(nil)
		e.logger.Info("speaker listening", "session_id", s.id)
		if !e.online() {
			e.connectivityChanged(false)
		}
	}
}

func (e *Engine) onRecognitionFatal(err error) {
	s := e.speaker()
	if s == nil || s.stopping {
		return
	}
	e.observer.RecordRecognitionAbort(string(recognition.KindOf(err)))
	e.fail(s, recognition.UserMessage(err), err)
}

func (e *Engine) onFragment(f types.TranscriptFragment) {
	s := e.speaker()
	if s == nil || f.Blank() {
		return
	}
	e.state.LastTranscript = strings.TrimSpace(f.Text)
	if f.IsFinal && e.cfg.BroadcastTranscripts && !s.stopping {
		e.sendCaption(s, f)
	}
	if c, ok := s.buf.Update(f); ok {
		e.enqueue(s, c)
	}
}

func (e *Engine) tick() {
	s := e.speaker()
	if s == nil || s.stopping {
		return
	}
	if c, ok := s.buf.Tick(); ok {
		e.enqueue(s, c)
	}
}

func (e *Engine) enqueue(s *session, c segment.Chunk) {
	e.observer.RecordFlush(string(c.Reason))
	e.logger.Debug("chunk flushed", "session_id", s.id, "seq", c.Seq, "reason", c.Reason, "chars", len(c.Text))
	s.queue = append(s.queue, c)
	e.pump(s)
}

// pump starts the next queued chunk. One chunk is processed at a time, in
// flush order.
func (e *Engine) pump(s *session) {
	if s.processing || s.stopping || s.failed || !s.ready || !e.online() || len(s.queue) == 0 {
		return
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	s.processing = true
	done := make(chan struct{})
	s.jobDone = done

	in := pipeline.Input{
		SessionID:      s.id,
		SourceLanguage: s.lang,
		Chunk:          c,
		Targets:        e.targets(s),
	}
	pipe, ctx, gen := s.pipe, s.ctx, s.gen
	go func() {
		defer close(done)
		res := pipe.Process(ctx, in)
		e.box.put(event{kind: evProcessed, gen: gen, result: res})
	}()
}

func (e *Engine) onProcessed(gen uint64, res pipeline.Result) {
	s := e.current(gen)
	if s == nil || s.role != types.RoleSpeaker {
		return
	}
	s.processing = false
	s.jobDone = nil
	if res.Kind == pipeline.Delivered {
		tr, ok := pickTranslation(res.Translations, e.cfg.PreviewLanguage)
		if ok {
			e.state.LastTranslation = tr.Text
		}
		if ok && s.player != nil && pipeline.SameLanguage(tr.Language, e.cfg.PreviewLanguage) {
			s.player.Enqueue(types.Segment{
				Seq:        res.Chunk.Seq,
				Text:       tr.Text,
				Language:   tr.Language,
				ReceivedAt: e.clock.Now(),
			})
		}
	}
	e.pump(s)
}

// pickTranslation prefers lang and falls back to the first translation.
func pickTranslation(trs []pipeline.Translation, lang string) (pipeline.Translation, bool) {
	if len(trs) == 0 {
		return pipeline.Translation{}, false
	}
	if lang != "" {
		for _, tr := range trs {
			if pipeline.SameLanguage(tr.Language, lang) {
				return tr, true
			}
		}
	}
	return trs[0], true
}

// targets returns the configured targets, plus the audience's languages when
// FollowAudience is set.
func (e *Engine) targets(s *session) []string {
	out := append([]string(nil), e.cfg.TargetLanguages...)
	if !e.cfg.FollowAudience {
		return out
	}
	for _, lang := range s.audience.Languages() {
		if pipeline.SameLanguage(lang, s.lang) {
			continue
		}
		dup := false
		for _, have := range out {
			if pipeline.SameLanguage(have, lang) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, lang)
		}
	}
	return out
}

// sendDelivery broadcasts one frame per translation.
func (e *Engine) sendDelivery(ctx context.Context, d pipeline.Delivery) error {
	for _, tr := range d.Translations {
		if err := e.transport.Send(ctx, protocol.Translation{
			Type:           protocol.TypeTranslation,
			ID:             protocol.NewMessageID(),
			SessionID:      d.SessionID,
			Seq:            d.Seq,
			TranslatedText: tr.Text,
			TargetLanguage: tr.Language,
			SourceText:     d.SourceText,
			SourceLanguage: d.SourceLanguage,
			TimestampMS:    protocol.TimestampMS(d.Timestamp),
		}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) sendCaption(s *session, f types.TranscriptFragment) {
	msg := protocol.Transcript{
		Type:        protocol.TypeTranscript,
		ID:          protocol.NewMessageID(),
		SessionID:   s.id,
		Text:        strings.TrimSpace(f.Text),
		IsFinal:     true,
		Language:    s.lang,
		TimestampMS: protocol.TimestampMS(e.clock.Now()),
	}
	ctx := s.ctx
	go func() {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchTimeout)
		defer cancel()
		if err := e.transport.Send(ctx, msg); err != nil {
			e.logger.Debug("caption not sent", "session_id", msg.SessionID, "error", err)
		}
	}()
}
