// Package engine is the session state machine. It drives the speaker flow
// (recognition, segmentation, pipeline, broadcast) and the audience flow
// (receive, countdown, playback) from a single event loop and publishes an
// immutable State snapshot after every transition.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
	"github.com/vango-go/vai-interpret/pkg/core/playback"
	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

var (
	// ErrNotIdle is returned when a session is started while another one is
	// running or has failed and was not stopped.
	ErrNotIdle = errors.New("engine: session already active, call Stop first")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
	// ErrStopped is returned by a start call interrupted by Stop.
	ErrStopped = errors.New("engine: session stopped")
	// ErrMissingDependency is returned when a flow needs a collaborator that
	// was not configured.
	ErrMissingDependency = errors.New("engine: missing dependency")
)

// Config tunes the engine and the components it owns.
type Config struct {
	Segment     segment.Config
	Recognition recognition.Config
	// Playback drives the audience countdown and playback.
	Playback playback.Config
	// Preview drives the speaker's local preview of its own translations.
	Preview playback.Config
	// PreviewLanguage enables the speaker preview in this language.
	PreviewLanguage string

	TargetLanguages []string
	// FollowAudience adds the languages reported by audience updates to the
	// translation targets.
	FollowAudience bool
	// BroadcastTranscripts sends final transcript fragments as live captions.
	BroadcastTranscripts bool

	DispatchTimeout  time.Duration
	DispatchCooldown time.Duration
	// TickInterval is how often the segmentation buffer's timers are checked.
	TickInterval time.Duration
	// StopTimeout bounds the final flush when Stop is called without a deadline.
	StopTimeout time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	preview := playback.DefaultConfig()
	preview.Threshold = 1
	return Config{
		Segment:          segment.DefaultConfig(),
		Recognition:      recognition.DefaultConfig(),
		Playback:         playback.DefaultConfig(),
		Preview:          preview,
		DispatchTimeout:  5 * time.Second,
		DispatchCooldown: 2 * time.Second,
		TickInterval:     time.Second,
		StopTimeout:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = def.DispatchTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = def.StopTimeout
	}
	if c.Preview.Threshold <= 0 {
		c.Preview.Threshold = 1
	}
	return c
}

// Options carries the collaborators. Identity and Transport are required;
// the speaker flow also needs Recognizer and Translator, and the audience flow
// needs Synthesizer.
type Options struct {
	Identity     Identity
	Transport    Transport
	Connectivity Connectivity
	Recognizer   recognition.Recognizer
	Translator   pipeline.Translator
	Corrector    pipeline.Corrector
	Synthesizer  playback.Synthesizer
	Recorder     pipeline.Recorder
	Observer     Observer
	Clock        sched.Clock
	Logger       *slog.Logger
}

// Engine owns one session at a time. All exported methods are safe for
// concurrent use.
type Engine struct {
	cfg       Config
	identity  Identity
	transport Transport
	conn      Connectivity
	rec       *recognition.Manager
	recQ      serial
	translate pipeline.Translator
	corrector pipeline.Corrector
	synth     playback.Synthesizer
	recorder  pipeline.Recorder
	observer  Observer
	clock     sched.Clock
	sched     *sched.Scheduler
	logger    *slog.Logger

	box       *mailbox
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	watchStop context.CancelFunc
	stopMu    sync.Mutex

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int
	last    State

	// Owned by the loop.
	state     State
	gen       uint64
	sess      *session
	netOnline bool
}

// New starts the engine loop.
func New(cfg Config, opts Options) (*Engine, error) {
	if opts.Identity == nil {
		return nil, errors.New("engine: identity is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("engine: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:       cfg.withDefaults(),
		identity:  opts.Identity,
		transport: opts.Transport,
		conn:      opts.Connectivity,
		translate: opts.Translator,
		corrector: opts.Corrector,
		synth:     opts.Synthesizer,
		recorder:  opts.Recorder,
		observer:  opts.Observer,
		clock:     sched.OrReal(opts.Clock),
		logger:    logger,
		box:       newMailbox(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		subs:      make(map[int]chan State),
		netOnline: true,
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	e.sched = sched.NewScheduler(e.clock, func(fn func()) bool {
		return e.box.put(event{kind: evTask, fn: fn})
	})
	if opts.Recognizer != nil {
		e.rec = recognition.NewManager(opts.Recognizer, e.cfg.Recognition, e.clock, logger.With("component", "recognition"))
		e.rec.SetCallbacks(recognition.Callbacks{
			OnFragment:    func(f types.TranscriptFragment) { e.box.put(event{kind: evFragment, fragment: f}) },
			OnStateChange: func(s recognition.State) { e.box.put(event{kind: evRecState, recState: s}) },
			OnFatal:       func(err error) { e.box.put(event{kind: evRecFatal, err: err}) },
			OnRestart: func(err error, delay time.Duration) {
				e.observer.RecordRecognitionRestart(string(recognition.KindOf(err)))
			},
		})
	}
	if e.conn != nil {
		e.netOnline = e.conn.Online()
	}
	e.state = State{Status: StatusIdle, Online: e.netOnline}
	e.last = e.state.clone()

	go e.run()
	if e.conn != nil {
		ctx, cancel := context.WithCancel(context.Background())
		e.watchStop = cancel
		changes := e.conn.Watch(ctx)
		go func() {
			for online := range changes {
				e.box.put(event{kind: evNetwork, up: online})
			}
		}()
	}
	return e, nil
}

// Subscribe returns a channel that receives the current snapshot followed by
// every later one. Delivery is latest-wins: a slow reader only misses
// intermediate snapshots. cancel releases the subscription.
func (e *Engine) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.last.clone()
	e.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			delete(e.subs, id)
			e.subMu.Unlock()
		})
	}
}

// State returns the last published snapshot.
func (e *Engine) State() State {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	return e.last.clone()
}

// Close stops any running session and ends the loop.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.StopTimeout)
		err = e.Stop(ctx)
		cancel()
		if e.watchStop != nil {
			e.watchStop()
		}
		close(e.quit)
		<-e.done
		e.box.close()
		e.sched.CancelAll()

		e.subMu.Lock()
		for id, ch := range e.subs {
			close(ch)
			delete(e.subs, id)
		}
		e.subMu.Unlock()
	})
	return err
}

// call runs fn on the loop and returns its error.
func (e *Engine) call(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	if !e.box.put(event{kind: evCall, call: fn, reply: reply}) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) run() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case <-e.box.signal:
			for _, ev := range e.box.take() {
				e.handle(ev)
			}
		}
	}
}

// publish emits the current state if it differs from the last snapshot.
func (e *Engine) publish() {
	e.refresh()
	e.subMu.Lock()
	defer e.subMu.Unlock()
	if reflect.DeepEqual(e.state, e.last) {
		return
	}
	snap := e.state.clone()
	e.last = snap
	for _, ch := range e.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}
