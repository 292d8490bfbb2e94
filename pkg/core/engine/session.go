package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
	"github.com/vango-go/vai-interpret/pkg/core/types"
	"github.com/vango-go/vai-interpret/pkg/relay/client"
	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
)

// session is the loop-owned record of the running session.
type session struct {
	role types.Role
	code string // join code for audience sessions
	id   string
	lang string
	gen  uint64

	ctx         context.Context
	cancel      context.CancelFunc
	cancelStart context.CancelFunc
	startDone   chan struct{}
	startReply  chan error

	ready    bool
	failed   bool
	stopping bool
	linkUp   bool

	// Speaker.
	buf        *segment.Buffer
	pipe       *pipeline.Pipeline
	queue      []segment.Chunk
	processing bool
	jobDone    chan struct{}
	tickTask   *sched.Task

	// Audience playback, or the speaker's local preview.
	player   *playback.Controller
	audience types.AudienceInfo
}

func (s *session) resolve(err error) {
	if s.startReply != nil {
		s.startReply <- err
		s.startReply = nil
	}
}

// StartSpeaker starts a speaker session in languageCode and returns once
// recognition is listening or startup has failed.
func (e *Engine) StartSpeaker(ctx context.Context, languageCode string) error {
	if e.rec == nil || e.translate == nil {
		return fmt.Errorf("%w: speaker needs a recognizer and a translator", ErrMissingDependency)
	}
	return e.start(ctx, types.RoleSpeaker, languageCode, "")
}

// JoinAudience joins the session identified by code and plays translations in
// languageCode.
func (e *Engine) JoinAudience(ctx context.Context, code, languageCode string) error {
	if e.synth == nil {
		return fmt.Errorf("%w: audience needs a synthesizer", ErrMissingDependency)
	}
	if strings.TrimSpace(code) == "" {
		return fmt.Errorf("engine: session code is required")
	}
	return e.start(ctx, types.RoleAudience, languageCode, strings.TrimSpace(code))
}

func (e *Engine) start(ctx context.Context, role types.Role, lang, code string) error {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return fmt.Errorf("engine: language code is required")
	}
	reply := make(chan error, 1)
	err := e.call(ctx, func() error {
		if e.sess != nil {
			return ErrNotIdle
		}
		e.beginSession(context.WithoutCancel(ctx), role, lang, code, reply)
		return nil
	})
	if err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) beginSession(base context.Context, role types.Role, lang, code string, reply chan error) {
	e.gen++
	s := &session{
		role:       role,
		code:       code,
		lang:       lang,
		gen:        e.gen,
		startDone:  make(chan struct{}),
		startReply: reply,
	}
	s.ctx, s.cancel = context.WithCancel(base)
	startCtx, cancelStart := context.WithCancel(s.ctx)
	s.cancelStart = cancelStart
	e.sess = s
	e.state = State{Status: StatusBuffering, Role: role, LanguageCode: lang, Online: e.netOnline}
	e.logger.Info("session starting", "role", role, "language", lang)

	gen := s.gen
	go func() {
		defer close(s.startDone)
		defer cancelStart()
		var id string
		var err error
		if role == types.RoleSpeaker {
			id, err = e.identity.StartSession(startCtx, lang)
		} else {
			id, err = e.identity.JoinSession(startCtx, code)
		}
		if err == nil {
			err = e.transport.Connect(startCtx, client.Membership{
				SessionID: id,
				Role:      string(role),
				Language:  lang,
			}, client.Handler{
				OnFrame: func(data []byte) { e.box.put(event{kind: evFrame, gen: gen, frame: data}) },
				OnLink:  func(up bool) { e.box.put(event{kind: evLink, gen: gen, up: up}) },
			})
		}
		e.box.put(event{kind: evStarted, gen: gen, sessionID: id, err: err})
	}()
}

// current returns the running session if gen is still current.
func (e *Engine) current(gen uint64) *session {
	s := e.sess
	if s == nil || s.gen != gen || s.stopping || s.failed {
		return nil
	}
	return s
}

func (e *Engine) onStarted(gen uint64, id string, err error) {
	s := e.current(gen)
	if s == nil {
		if e.sess != nil && e.sess.gen == gen {
			e.sess.resolve(ErrStopped)
		}
		return
	}
	if err != nil {
		e.fail(s, "Could not start the session. Check your connection and try again.", fmt.Errorf("start %s session: %w", s.role, err))
		return
	}
	s.id = id
	s.linkUp = true
	e.state.SessionID = id
	e.logger.Info("session connected", "session_id", id, "role", s.role)

	if s.role == types.RoleSpeaker {
		e.startSpeaker(s)
		return
	}
	s.player = e.newPlayer(s, e.cfg.Playback)
	s.ready = true
	s.resolve(nil)
	if !e.online() {
		s.player.Hold()
	}
}

func (e *Engine) newPlayer(s *session, cfg playback.Config) *playback.Controller {
	gen := s.gen
	return playback.New(cfg, e.synth, e.sched, func(fn func()) bool {
		return e.box.put(event{kind: evTask, fn: func() {
			if e.sess != nil && e.sess.gen == gen {
				fn()
			}
		}})
	}, e.logger.With("component", "playback", "session_id", s.id))
}

// fail moves the session to the error state. Everything stops; Stop is
// required before another session can start.
func (e *Engine) fail(s *session, message string, err error) {
	e.logger.Error("session failed", "session_id", s.id, "role", s.role, "error", err)
	s.failed = true
	s.cancelStart()
	s.tickTask.Cancel()
	s.tickTask = nil
	if s.player != nil {
		s.player.Stop()
	}
	s.queue = nil
	e.state.ErrorMessage = message
	s.resolve(err)
	go func() {
		<-s.startDone
		if err := e.transport.Close(); err != nil {
			e.logger.Warn("close relay after failure", "error", err)
		}
	}()
}

// Stop ends the session: timers are cancelled, recognition is stopped, the
// remaining text is flushed and processed while still online, and the relay
// link is closed. Calling Stop when no session is active does nothing.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopMu.Lock()
	defer e.stopMu.Unlock()
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.StopTimeout)
		defer cancel()
	}

	var s *session
	if err := e.call(ctx, func() error {
		s = e.beginStop()
		return nil
	}); err != nil {
		return err
	}
	if s == nil {
		return nil
	}

	if s.role == types.RoleSpeaker && e.rec != nil {
		<-e.recQ.Go(func() {
			switch e.rec.State() {
			case recognition.StateIdle, recognition.StateStopping:
				return
			}
			if err := e.rec.Stop(ctx); err != nil {
				e.logger.Warn("stop recognition", "error", err)
			}
		})
	}

	var plan stopPlan
	if err := e.call(ctx, func() error {
		plan = e.finishStop(s)
		return nil
	}); err != nil {
		return err
	}
	e.drain(ctx, s, plan)

	select {
	case <-s.startDone:
	case <-ctx.Done():
	}
	if err := e.transport.Close(); err != nil {
		e.logger.Warn("close relay", "error", err)
	}
	s.cancel()

	return e.call(ctx, func() error {
		if e.sess == s {
			e.sess = nil
		}
		e.state = State{Status: StatusIdle, Online: e.netOnline}
		e.logger.Info("session stopped", "session_id", s.id, "role", s.role)
		return nil
	})
}

func (e *Engine) beginStop() *session {
	s := e.sess
	if s == nil || s.stopping {
		return nil
	}
	s.stopping = true
	s.cancelStart()
	s.resolve(ErrStopped)
	s.tickTask.Cancel()
	s.tickTask = nil
	if s.player != nil {
		s.player.Stop()
	}
	return s
}

type stopPlan struct {
	chunks  []segment.Chunk
	wait    chan struct{}
	online  bool
	targets []string
}

// finishStop flushes what is left and detaches the session from the loop;
// results of jobs still in flight are discarded from here on.
func (e *Engine) finishStop(s *session) stopPlan {
	plan := stopPlan{wait: s.jobDone}
	if s.role == types.RoleSpeaker && s.buf != nil && !s.failed {
		if c, ok := s.buf.Flush(segment.ReasonStop); ok {
			e.observer.RecordFlush(string(c.Reason))
			s.queue = append(s.queue, c)
		}
		plan.chunks = s.queue
		plan.online = s.ready && e.online()
		plan.targets = e.targets(s)
	}
	s.queue = nil
	e.gen++
	return plan
}

// drain processes the final chunks on the caller's goroutine.
func (e *Engine) drain(ctx context.Context, s *session, plan stopPlan) {
	if len(plan.chunks) == 0 && s.role != types.RoleSpeaker {
		return
	}
	if !plan.online || s.pipe == nil {
		if n := len(plan.chunks); n > 0 {
			e.logger.Warn("dropping unsent chunks on stop", "session_id", s.id, "count", n)
		}
		return
	}
	if plan.wait != nil {
		select {
		case <-plan.wait:
		case <-ctx.Done():
		}
	}
	for _, c := range plan.chunks {
		if ctx.Err() != nil {
			e.logger.Warn("stop deadline reached before final chunks were sent", "session_id", s.id, "seq", c.Seq)
			return
		}
		s.pipe.Process(ctx, pipeline.Input{
			SessionID:      s.id,
			SourceLanguage: s.lang,
			Chunk:          c,
			Targets:        plan.targets,
		})
	}
	if err := e.transport.Send(ctx, protocol.SessionEnd{
		Type:      protocol.TypeSessionEnd,
		SessionID: s.id,
		Reason:    "speaker_stopped",
	}); err != nil {
		e.logger.Debug("session_end not sent", "session_id", s.id, "error", err)
	}
}
