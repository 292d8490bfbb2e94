package engine

import (
	"sync"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

type eventKind int

const (
	evCall      eventKind = iota // public API call
	evTask                       // timer or component callback
	evStarted                    // session startup finished
	evFragment                   // recognition result
	evRecState                   // recognition lifecycle change
	evRecFatal                   // recognition aborted
	evProcessed                  // pipeline result
	evFrame                      // relay frame
	evLink                       // relay link up or down
	evNetwork                    // network reachability change
)

type event struct {
	kind eventKind
	gen  uint64

	call  func() error
	reply chan error
	fn    func()

	sessionID string
	fragment  types.TranscriptFragment
	recState  recognition.State
	result    pipeline.Result
	frame     []byte
	up        bool
	err       error
}

// mailbox is an unbounded FIFO of events. put never blocks, so the loop itself
// and callbacks running under component locks may post.
type mailbox struct {
	mu     sync.Mutex
	items  []event
	closed bool
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) put(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) take() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// handle applies one event and publishes the resulting state.
func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evCall:
		ev.reply <- ev.call()
	case evTask:
		ev.fn()
	case evStarted:
		e.onStarted(ev.gen, ev.sessionID, ev.err)
	case evFragment:
		e.onFragment(ev.fragment)
	case evRecState:
		e.onRecognitionState(ev.recState)
	case evRecFatal:
		e.onRecognitionFatal(ev.err)
	case evProcessed:
		e.onProcessed(ev.gen, ev.result)
	case evFrame:
		e.onFrame(ev.gen, ev.frame)
	case evLink:
		e.onLink(ev.gen, ev.up)
	case evNetwork:
		e.onNetwork(ev.up)
	default:
		e.logger.Error("unknown engine event", "kind", int(ev.kind))
	}
	e.publish()
}

// refresh derives the snapshot fields owned by components.
func (e *Engine) refresh() {
	s := e.sess
	if s == nil {
		e.state.Online = e.netOnline
		return
	}
	e.state.Online = e.online()
	if s.player != nil {
		e.state.CountdownSeconds = s.player.CountdownSeconds()
		e.state.Buffer = s.player.Buffer()
		if len(e.state.Buffer) == 0 {
			e.state.Buffer = nil
		}
		e.state.BufferDepleted = s.player.Depleted()
	}
	e.state.QueuedChunks = len(s.queue)
	e.state.Status = e.status(s)
}

func (e *Engine) status(s *session) Status {
	switch {
	case s.failed:
		return StatusError
	case s.stopping:
		return e.state.Status
	case !s.ready:
		return StatusBuffering
	case !e.online():
		return StatusPaused
	}
	if s.role == types.RoleSpeaker {
		if s.processing {
			return StatusTranslating
		}
		return StatusListening
	}
	switch s.player.Phase() {
	case playback.PhaseCountdown:
		return StatusCountdown
	case playback.PhaseSpeaking:
		return StatusSpeaking
	case playback.PhaseDrained:
		return StatusPaused
	default:
		return StatusBuffering
	}
}
