// Package playback gates translated segments behind a countdown and speaks them
// one at a time in arrival order.
package playback

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// Synthesizer speaks text and returns once playback has completed.
type Synthesizer interface {
	Speak(ctx context.Context, text, language string) error
}

// Phase is the controller's position in the countdown/playback cycle.
type Phase string

const (
	// PhaseWaiting: accumulating segments below the threshold.
	PhaseWaiting   Phase = "waiting"
	PhaseCountdown Phase = "countdown"
	PhaseSpeaking  Phase = "speaking"
	// PhaseDrained: everything queued has been spoken.
	PhaseDrained Phase = "drained"
)

// Config tunes the countdown and playback.
type Config struct {
	Threshold         int
	CountdownDuration time.Duration
	TickInterval      time.Duration
	InterSegmentPause time.Duration
	DepletionTimeout  time.Duration
	// SegmentTTL drops segments that waited this long without being spoken.
	// Zero keeps them forever.
	SegmentTTL time.Duration
}

// DefaultConfig returns the audience defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:         2,
		CountdownDuration: 10 * time.Second,
		TickInterval:      time.Second,
		InterSegmentPause: 250 * time.Millisecond,
		DepletionTimeout:  20 * time.Second,
		SegmentTTL:        2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.CountdownDuration <= 0 {
		c.CountdownDuration = def.CountdownDuration
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.InterSegmentPause < 0 {
		c.InterSegmentPause = 0
	}
	if c.DepletionTimeout <= 0 {
		c.DepletionTimeout = def.DepletionTimeout
	}
	return c
}

// Controller is owned by a single event loop: every method must be called from
// that loop, and s must post its callbacks onto it. Speak runs on its own
// goroutine and its completion is posted back through post.
type Controller struct {
	cfg    Config
	synth  Synthesizer
	s      *sched.Scheduler
	post   func(func()) bool
	logger *slog.Logger
	spawn  func(func())

	// OnChange is called after every observable change.
	OnChange func()
	// OnSpoken is called after each segment finishes, with the Speak error if any.
	OnSpoken func(seg types.Segment, err error)

	ctx    context.Context
	cancel context.CancelFunc
	gen    uint64

	phase     Phase
	buffer    []types.Segment
	lastSeq   uint64 // highest sequence number popped for playback
	remaining int
	inFlight  bool
	held      bool
	depleted  bool
	played    bool

	countdownTask *sched.Task
	pauseTask     *sched.Task
	depletionTask *sched.Task
	expiryTask    *sched.Task
}

// New creates a waiting controller.
func New(cfg Config, synth Synthesizer, s *sched.Scheduler, post func(func()) bool, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg.withDefaults(),
		synth:  synth,
		s:      s,
		post:   post,
		logger: logger,
		spawn:  func(f func()) { go f() },
		ctx:    ctx,
		cancel: cancel,
		phase:  PhaseWaiting,
	}
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase { return c.phase }

// CountdownSeconds returns the remaining countdown, or nil outside a countdown.
func (c *Controller) CountdownSeconds() *int {
	if c.phase != PhaseCountdown {
		return nil
	}
	n := c.remaining
	return &n
}

// Buffer returns a copy of the queued segments in playback order.
func (c *Controller) Buffer() []types.Segment {
	return append([]types.Segment(nil), c.buffer...)
}

// Depleted reports whether the buffer has been empty longer than the
// depletion timeout.
func (c *Controller) Depleted() bool { return c.depleted }

// Speaking reports whether a Speak call is in flight.
func (c *Controller) Speaking() bool { return c.inFlight }

// Enqueue adds a segment. Segments with a sequence number at or below one
// already played, or already queued, are dropped; the rest are kept in
// sequence order. It reports whether the segment was accepted.
func (c *Controller) Enqueue(seg types.Segment) bool {
	if seg.Text == "" {
		return false
	}
	if seg.ReceivedAt.IsZero() {
		seg.ReceivedAt = c.s.Now()
	}
	if seg.Seq != 0 {
		if seg.Seq <= c.lastSeq {
			c.logger.Debug("dropping stale segment", "seq", seg.Seq, "last_played", c.lastSeq)
			return false
		}
		for _, q := range c.buffer {
			if q.Seq == seg.Seq {
				c.logger.Debug("dropping duplicate segment", "seq", seg.Seq)
				return false
			}
		}
	}
	c.insert(seg)

	if c.depletionTask != nil {
		c.depletionTask.Cancel()
		c.depletionTask = nil
	}
	c.depleted = false
	c.armExpiry()
	c.evaluate()
	c.changed()
	return true
}

func (c *Controller) insert(seg types.Segment) {
	if seg.Seq == 0 {
		c.buffer = append(c.buffer, seg)
		return
	}
	i := sort.Search(len(c.buffer), func(i int) bool {
		q := c.buffer[i]
		return q.Seq != 0 && q.Seq > seg.Seq
	})
	c.buffer = append(c.buffer, types.Segment{})
	copy(c.buffer[i+1:], c.buffer[i:])
	c.buffer[i] = seg
}

// Hold suspends playback progress (for example while offline). A Speak call
// already in flight completes; nothing new starts and a running countdown is
// cancelled.
func (c *Controller) Hold() {
	if c.held {
		return
	}
	c.held = true
	if c.phase == PhaseCountdown {
		c.cancelCountdown()
	}
	if c.pauseTask != nil {
		c.pauseTask.Cancel()
		c.pauseTask = nil
	}
	c.changed()
}

// Release resumes after Hold.
func (c *Controller) Release() {
	if !c.held {
		return
	}
	c.held = false
	if c.phase == PhaseSpeaking && !c.inFlight {
		c.speakNext()
	} else {
		c.evaluate()
	}
	c.changed()
}

// Stop cancels every timer and any in-flight Speak and clears the buffer.
// Late completions are ignored.
func (c *Controller) Stop() {
	c.gen++
	c.cancel()
	for _, t := range []**sched.Task{&c.countdownTask, &c.pauseTask, &c.depletionTask, &c.expiryTask} {
		(*t).Cancel()
		*t = nil
	}
	c.buffer = nil
	c.inFlight = false
	c.phase = PhaseWaiting
	c.remaining = 0
	c.depleted = false
}

// evaluate starts a countdown when the threshold is met and nothing else is
// running.
func (c *Controller) evaluate() {
	if c.held {
		return
	}
	switch c.phase {
	case PhaseWaiting, PhaseDrained:
		if len(c.buffer) >= c.cfg.Threshold {
			c.startCountdown()
		}
	}
}

func (c *Controller) startCountdown() {
	c.phase = PhaseCountdown
	c.remaining = int((c.cfg.CountdownDuration + c.cfg.TickInterval - 1) / c.cfg.TickInterval)
	c.logger.Debug("countdown started", "seconds", c.remaining, "queued", len(c.buffer))
	c.countdownTask.Cancel()
	c.countdownTask = c.s.Every(c.cfg.TickInterval, c.tick)
}

func (c *Controller) tick() {
	if c.phase != PhaseCountdown {
		return
	}
	if len(c.buffer) == 0 {
		c.cancelCountdown()
		c.changed()
		return
	}
	c.remaining--
	if c.remaining > 0 {
		c.changed()
		return
	}
	c.countdownTask.Cancel()
	c.countdownTask = nil
	c.phase = PhaseSpeaking
	c.played = true
	c.speakNext()
	c.changed()
}

// cancelCountdown returns to the phase the countdown started from.
func (c *Controller) cancelCountdown() {
	c.countdownTask.Cancel()
	c.countdownTask = nil
	c.remaining = 0
	if c.played {
		c.phase = PhaseDrained
	} else {
		c.phase = PhaseWaiting
	}
	c.logger.Debug("countdown cancelled", "queued", len(c.buffer))
}

func (c *Controller) speakNext() {
	if c.inFlight || c.held {
		return
	}
	if len(c.buffer) == 0 {
		c.drained()
		return
	}
	seg := c.buffer[0]
	c.buffer = c.buffer[1:]
	if seg.Seq > c.lastSeq {
		c.lastSeq = seg.Seq
	}
	c.inFlight = true
	gen := c.gen
	ctx := c.ctx
	c.spawn(func() {
		err := c.synth.Speak(ctx, seg.Text, seg.Language)
		c.post(func() { c.spoken(gen, seg, err) })
	})
}

func (c *Controller) spoken(gen uint64, seg types.Segment, err error) {
	if gen != c.gen {
		return
	}
	c.inFlight = false
	if err != nil {
		c.logger.Warn("speak failed", "seq", seg.Seq, "error", err)
	}
	if c.OnSpoken != nil {
		c.OnSpoken(seg, err)
	}
	if c.held {
		c.changed()
		return
	}
	if len(c.buffer) == 0 {
		c.drained()
		c.changed()
		return
	}
	if c.cfg.InterSegmentPause > 0 {
		c.s.Reschedule(&c.pauseTask, c.cfg.InterSegmentPause, func() {
			c.pauseTask = nil
			c.speakNext()
			c.changed()
		})
	} else {
		c.speakNext()
	}
	c.changed()
}

func (c *Controller) drained() {
	c.phase = PhaseDrained
	c.s.Reschedule(&c.depletionTask, c.cfg.DepletionTimeout, func() {
		c.depletionTask = nil
		if len(c.buffer) == 0 {
			c.depleted = true
			c.logger.Info("playback buffer depleted")
			c.changed()
		}
	})
	c.armExpiry()
}

// armExpiry schedules removal of the oldest queued segment.
func (c *Controller) armExpiry() {
	if c.cfg.SegmentTTL <= 0 || len(c.buffer) == 0 {
		c.expiryTask.Cancel()
		c.expiryTask = nil
		return
	}
	oldest := c.buffer[0].ReceivedAt
	for _, q := range c.buffer[1:] {
		if q.ReceivedAt.Before(oldest) {
			oldest = q.ReceivedAt
		}
	}
	wait := oldest.Add(c.cfg.SegmentTTL).Sub(c.s.Now())
	c.s.Reschedule(&c.expiryTask, wait, c.expire)
}

func (c *Controller) expire() {
	c.expiryTask = nil
	if c.phase == PhaseSpeaking {
		return
	}
	now := c.s.Now()
	kept := c.buffer[:0]
	dropped := 0
	for _, q := range c.buffer {
		if now.Sub(q.ReceivedAt) >= c.cfg.SegmentTTL {
			dropped++
			continue
		}
		kept = append(kept, q)
	}
	c.buffer = kept
	if dropped > 0 {
		c.logger.Warn("dropped expired segments", "count", dropped, "ttl", c.cfg.SegmentTTL)
	}
	if len(c.buffer) == 0 && c.phase == PhaseCountdown {
		c.cancelCountdown()
	}
	if len(c.buffer) == 0 && c.phase == PhaseDrained && c.depletionTask == nil && !c.depleted {
		c.drained()
	}
	c.armExpiry()
	c.changed()
}

func (c *Controller) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}
