// Package recognition keeps a continuous speech recognition session alive on top
// of a recognizer that stops on silence, timeouts and transient faults.
package recognition

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/sethvargo/go-retry"
	"golang.org/x/text/cases"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// Recognizer is a native speech recognizer that supports one session at a time.
// onResult and onError may be called from any goroutine until StopListening
// returns.
type Recognizer interface {
	StartListening(ctx context.Context, onResult func(types.TranscriptFragment), onError func(error)) error
	StopListening(ctx context.Context) error
}

// State is the lifecycle state of the manager.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateListening State = "listening"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateError     State = "error"
)

// Config tunes restart and finalization behavior.
type Config struct {
	// MinRestartDelay is the settle time between stopping and restarting the
	// native recognizer.
	MinRestartDelay time.Duration
	// OrphanPartialWindow promotes a partial result to final when no further
	// result arrives within this window.
	OrphanPartialWindow time.Duration
	// MaxConsecutiveErrors aborts the session once reached.
	MaxConsecutiveErrors int
	// BackoffBase and BackoffMax bound the exponential restart delay.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// KindDelays overrides the restart delay for specific kinds. Kinds without an
	// entry use exponential backoff.
	KindDelays map[Kind]time.Duration
}

// DefaultConfig returns production settings.
func DefaultConfig() Config {
	return Config{
		MinRestartDelay:      250 * time.Millisecond,
		OrphanPartialWindow:  2 * time.Second,
		MaxConsecutiveErrors: 5,
		BackoffBase:          500 * time.Millisecond,
		BackoffMax:           10 * time.Second,
		KindDelays: map[Kind]time.Duration{
			KindNoMatch: 0,
			KindTimeout: 0,
			KindAudio:   250 * time.Millisecond,
		},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinRestartDelay < 0 {
		c.MinRestartDelay = 0
	}
	if c.OrphanPartialWindow <= 0 {
		c.OrphanPartialWindow = def.OrphanPartialWindow
	}
	if c.MaxConsecutiveErrors <= 0 {
		c.MaxConsecutiveErrors = def.MaxConsecutiveErrors
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = def.BackoffMax
	}
	if c.KindDelays == nil {
		c.KindDelays = def.KindDelays
	}
	return c
}

// Callbacks receive manager events in the order the manager decided them. They
// are invoked without the manager lock held and may call back into the manager.
// Events raised from inside a callback are delivered after it returns.
type Callbacks struct {
	OnFragment    func(types.TranscriptFragment)
	OnStateChange func(State)
	// OnFatal reports a permanent error or an open circuit breaker. The manager
	// is in StateError when it is called.
	OnFatal func(error)
	// OnRestart reports each scheduled restart after a transient error.
	OnRestart func(err error, delay time.Duration)
}

// Manager owns the continuous-listening lifecycle. It is safe for concurrent use.
type Manager struct {
	cfg    Config
	rec    Recognizer
	clock  sched.Clock
	logger *slog.Logger
	spawn  func(func())

	mu          sync.Mutex
	cb          Callbacks
	state       State
	gen         uint64 // native session generation; results from older ones are ignored
	native      bool   // a native session is open
	ctx         context.Context
	cancel      context.CancelFunc
	lastStop    time.Time
	consecutive int
	backoff     retry.Backoff

	restartTimer sched.Timer
	orphanTimer  sched.Timer
	lastPartial  types.TranscriptFragment
	promoted     string

	queue      []func()
	delivering bool // a goroutine is draining queue
}

// NewManager creates an idle manager around rec.
func NewManager(rec Recognizer, cfg Config, clock sched.Clock, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:    cfg,
		rec:    rec,
		clock:  sched.OrReal(clock),
		logger: logger,
		spawn:  func(f func()) { go f() },
		state:  StateIdle,
	}
	m.resetBackoff()
	return m
}

// SetCallbacks replaces the event callbacks.
func (m *Manager) SetCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConsecutiveErrors returns the current circuit breaker count.
func (m *Manager) ConsecutiveErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// Start opens a recognition session. Valid only from idle. The native start
// happens asynchronously, after the restart settle delay if a session was
// stopped recently.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		return m.rejectLocked("start")
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.consecutive = 0
	m.resetBackoff()
	m.promoted = ""
	m.setStateLocked(StateStarting)
	m.scheduleOpenLocked(0)
	m.unlockAndFlush()
	return nil
}

// Stop ends the session. Any orphaned partial is promoted first so no speech is
// lost. Valid from starting, listening, paused and error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateStarting, StateListening, StatePaused, StateError:
	default:
		return m.rejectLocked("stop")
	}
	m.setStateLocked(StateStopping)
	m.promoteLocked()
	m.stopTimersLocked()
	m.gen++
	wasOpen := m.native
	m.native = false
	cancel := m.cancel
	m.unlockAndFlush()

	var err error
	if wasOpen {
		err = m.rec.StopListening(ctx)
	}
	if cancel != nil {
		cancel()
	}

	m.mu.Lock()
	m.lastStop = m.clock.Now()
	m.consecutive = 0
	m.setStateLocked(StateIdle)
	m.unlockAndFlush()
	if err != nil {
		return fmt.Errorf("stop recognizer: %w", err)
	}
	return nil
}

// Pause closes the native session but keeps the manager resumable. Valid only
// from listening.
func (m *Manager) Pause(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateListening {
		return m.rejectLocked("pause")
	}
	m.promoteLocked()
	m.stopTimersLocked()
	m.gen++
	wasOpen := m.native
	m.native = false
	m.setStateLocked(StatePaused)
	m.unlockAndFlush()

	var err error
	if wasOpen {
		err = m.rec.StopListening(ctx)
	}
	m.mu.Lock()
	m.lastStop = m.clock.Now()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("pause recognizer: %w", err)
	}
	return nil
}

// Resume reopens the native session after Pause. Valid only from paused.
func (m *Manager) Resume() error {
	m.mu.Lock()
	if m.state != StatePaused {
		return m.rejectLocked("resume")
	}
	m.consecutive = 0
	m.resetBackoff()
	m.setStateLocked(StateStarting)
	m.scheduleOpenLocked(0)
	m.unlockAndFlush()
	return nil
}

func (m *Manager) rejectLocked(op string) error {
	state := m.state
	m.mu.Unlock()
	m.logger.Warn("recognition call rejected", "op", op, "state", state)
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, state)
}

// scheduleOpenLocked arms the native start after delay, never sooner than the
// settle time since the last stop.
func (m *Manager) scheduleOpenLocked(delay time.Duration) {
	if settle := m.lastStop.Add(m.cfg.MinRestartDelay).Sub(m.clock.Now()); settle > delay {
		delay = settle
	}
	gen := m.gen
	if m.restartTimer != nil {
		m.restartTimer.Stop()
	}
	if delay <= 0 {
		m.restartTimer = nil
		m.queue = append(m.queue, func() { m.spawn(func() { m.open(gen) }) })
		return
	}
	m.restartTimer = m.clock.AfterFunc(delay, func() {
		m.spawn(func() { m.open(gen) })
	})
}

func (m *Manager) open(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateStarting {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	err := m.rec.StartListening(ctx,
		func(f types.TranscriptFragment) { m.handleResult(gen, f) },
		func(err error) { m.handleError(gen, err) },
	)

	m.mu.Lock()
	if gen != m.gen || m.state != StateStarting {
		// Stopped or paused while the native start was in flight.
		m.mu.Unlock()
		if err == nil {
			_ = m.rec.StopListening(context.Background())
		}
		return
	}
	if err != nil {
		m.failLocked(err)
		m.unlockAndFlush()
		return
	}
	m.native = true
	m.setStateLocked(StateListening)
	m.unlockAndFlush()
}

func (m *Manager) handleResult(gen uint64, f types.TranscriptFragment) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateListening {
		m.mu.Unlock()
		return
	}
	text := strings.Join(strings.Fields(f.Text), " ")
	if text == "" {
		m.mu.Unlock()
		return
	}
	f.Text = text
	if f.Timestamp.IsZero() {
		f.Timestamp = m.clock.Now()
	}
	m.consecutive = 0
	m.resetBackoff()

	if !f.IsFinal {
		m.lastPartial = f
		if m.orphanTimer != nil {
			m.orphanTimer.Stop()
		}
		m.orphanTimer = m.clock.AfterFunc(m.cfg.OrphanPartialWindow, func() { m.promoteOrphan(gen) })
		m.emitLocked(f)
		m.unlockAndFlush()
		return
	}

	if m.orphanTimer != nil {
		m.orphanTimer.Stop()
		m.orphanTimer = nil
	}
	m.lastPartial = types.TranscriptFragment{}
	if m.promoted != "" {
		promoted := m.promoted
		m.promoted = ""
		if rest, ok := afterPromoted(text, promoted); ok {
			if rest == "" {
				m.mu.Unlock()
				return
			}
			f.Text = rest
		}
	}
	m.emitLocked(f)
	m.unlockAndFlush()
}

func (m *Manager) promoteOrphan(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateListening {
		m.mu.Unlock()
		return
	}
	m.orphanTimer = nil
	m.promoteLocked()
	m.unlockAndFlush()
}

// promoteLocked emits the last partial as a final fragment.
func (m *Manager) promoteLocked() {
	p := m.lastPartial
	m.lastPartial = types.TranscriptFragment{}
	if p.Text == "" {
		return
	}
	m.logger.Debug("promoting orphaned partial", "chars", len(p.Text))
	m.promoted = p.Text
	p.IsFinal = true
	m.emitLocked(p)
}

func (m *Manager) handleError(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || (m.state != StateListening && m.state != StateStarting) {
		m.mu.Unlock()
		return
	}
	m.failLocked(err)
	m.unlockAndFlush()
}

// failLocked applies the error policy: permanent errors and an open breaker
// abort, anything else closes the native session and schedules a restart.
func (m *Manager) failLocked(err error) {
	m.consecutive++
	kind := KindOf(err)
	class := Classify(err)

	if m.consecutive >= m.cfg.MaxConsecutiveErrors {
		m.abortLocked(fmt.Errorf("%w (%d): %w", ErrCircuitOpen, m.consecutive, err))
		return
	}
	if class == Permanent {
		m.abortLocked(err)
		return
	}

	m.promoteLocked()
	m.closeNativeLocked()
	delay, ok := m.cfg.KindDelays[kind]
	if !ok {
		delay, _ = m.backoff.Next()
	}
	if delay < m.cfg.MinRestartDelay {
		delay = m.cfg.MinRestartDelay
	}
	m.logger.Warn("recognition error, restarting",
		"kind", kind,
		"consecutive", m.consecutive,
		"delay", delay,
		"error", err,
	)
	if m.state != StateStarting {
		m.setStateLocked(StateStarting)
	}
	m.scheduleOpenLocked(delay)
	if cb := m.cb.OnRestart; cb != nil {
		m.queue = append(m.queue, func() { cb(err, delay) })
	}
}

func (m *Manager) abortLocked(err error) {
	m.logger.Error("recognition aborted", "error", err, "kind", KindOf(err))
	m.promoteLocked()
	m.stopTimersLocked()
	m.closeNativeLocked()
	m.setStateLocked(StateError)
	if cb := m.cb.OnFatal; cb != nil {
		m.queue = append(m.queue, func() { cb(err) })
	}
}

// closeNativeLocked invalidates the current native session and stops it in the
// background.
func (m *Manager) closeNativeLocked() {
	m.gen++
	if !m.native {
		return
	}
	m.native = false
	m.lastStop = m.clock.Now()
	m.queue = append(m.queue, func() {
		m.spawn(func() {
			if err := m.rec.StopListening(context.Background()); err != nil {
				m.logger.Debug("stop recognizer after error", "error", err)
			}
		})
	})
}

func (m *Manager) stopTimersLocked() {
	if m.restartTimer != nil {
		m.restartTimer.Stop()
		m.restartTimer = nil
	}
	if m.orphanTimer != nil {
		m.orphanTimer.Stop()
		m.orphanTimer = nil
	}
}

func (m *Manager) resetBackoff() {
	m.backoff = retry.WithCappedDuration(m.cfg.BackoffMax, retry.NewExponential(m.cfg.BackoffBase))
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if cb := m.cb.OnStateChange; cb != nil {
		m.queue = append(m.queue, func() { cb(s) })
	}
}

func (m *Manager) emitLocked(f types.TranscriptFragment) {
	if cb := m.cb.OnFragment; cb != nil {
		m.queue = append(m.queue, func() { cb(f) })
	}
}

// unlockAndFlush releases the lock and runs queued callbacks. One goroutine
// drains at a time; others leave their callbacks queued behind the ones
// already taken, so delivery follows queue order.
func (m *Manager) unlockAndFlush() {
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		queue := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, fn := range queue {
			fn()
		}
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

// afterPromoted returns what final adds to an already promoted partial. Words
// are compared case-folded with surrounding punctuation removed. ok is false
// when final does not start with the promoted words; an empty rest means final
// only repeats them.
func afterPromoted(final, promoted string) (rest string, ok bool) {
	var want []string
	for _, w := range strings.Fields(promoted) {
		if w = matchWord(w); w != "" {
			want = append(want, w)
		}
	}
	fields := strings.Fields(final)
	i, matched := 0, 0
	for ; i < len(fields) && matched < len(want); i++ {
		w := matchWord(fields[i])
		if w == "" {
			continue
		}
		if w != want[matched] {
			return "", false
		}
		matched++
	}
	if matched < len(want) {
		return "", false
	}
	for i < len(fields) && matchWord(fields[i]) == "" {
		i++
	}
	return strings.Join(fields[i:], " "), true
}

func matchWord(w string) string {
	w = strings.TrimFunc(w, func(r rune) bool { return unicode.IsPunct(r) || unicode.IsSymbol(r) })
	return cases.Fold().String(w)
}
