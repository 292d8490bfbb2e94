package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// testLoop is a minimal event loop: posted funcs run one at a time on a single
// goroutine.
type testLoop struct {
	ch   chan func()
	quit chan struct{}
}

func newTestLoop(t *testing.T) *testLoop {
	l := &testLoop{ch: make(chan func(), 1024), quit: make(chan struct{})}
	go func() {
		for {
			select {
			case fn := <-l.ch:
				fn()
			case <-l.quit:
				return
			}
		}
	}()
	t.Cleanup(func() { close(l.quit) })
	return l
}

func (l *testLoop) post(fn func()) bool {
	select {
	case l.ch <- fn:
		return true
	case <-l.quit:
		return false
	}
}

func (l *testLoop) do(fn func()) {
	done := make(chan struct{})
	l.post(func() { fn(); close(done) })
	<-done
}

type fakeSynth struct {
	mu          sync.Mutex
	spoken      []string
	inflight    int
	maxInflight int
	release     chan struct{}
}

func (f *fakeSynth) Speak(ctx context.Context, text, lang string) error {
	f.mu.Lock()
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	release := f.release
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	f.inflight--
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	return nil
}

func (f *fakeSynth) snapshot() ([]string, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...), f.inflight, f.maxInflight
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	l     *testLoop
	clk   *sched.FakeClock
	c     *Controller
	synth *fakeSynth
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	l := newTestLoop(t)
	clk := sched.NewFakeClock(time.Unix(1_700_000_000, 0))
	s := sched.NewScheduler(clk, l.post)
	synth := &fakeSynth{}
	return &harness{l: l, clk: clk, c: New(cfg, synth, s, l.post, nil), synth: synth}
}

func (h *harness) enqueue(seq uint64, text string) bool {
	var ok bool
	h.l.do(func() { ok = h.c.Enqueue(types.Segment{Seq: seq, Text: text, Language: "es"}) })
	return ok
}

func (h *harness) phase() Phase {
	var p Phase
	h.l.do(func() { p = h.c.Phase() })
	return p
}

func (h *harness) countdown() *int {
	var n *int
	h.l.do(func() { n = h.c.CountdownSeconds() })
	return n
}

func (h *harness) advance(d time.Duration) {
	h.clk.Advance(d)
	h.l.do(func() {})
}

func TestController_ScenarioB_ThresholdCountdownThenFIFO(t *testing.T) {
	h := newHarness(t, Config{Threshold: 2, CountdownDuration: 10 * time.Second, InterSegmentPause: -1})

	h.enqueue(1, "uno")
	if h.phase() != PhaseWaiting {
		t.Fatalf("phase=%s after first segment", h.phase())
	}
	h.enqueue(2, "dos")
	if h.phase() != PhaseCountdown {
		t.Fatalf("phase=%s, want countdown", h.phase())
	}
	if n := h.countdown(); n == nil || *n != 10 {
		t.Fatalf("countdown=%v", n)
	}
	h.enqueue(3, "tres")

	h.advance(9 * time.Second)
	if n := h.countdown(); n == nil || *n != 1 {
		t.Fatalf("countdown=%v after 9s", n)
	}
	if spoken, _, _ := h.synth.snapshot(); len(spoken) != 0 {
		t.Fatalf("spoke during countdown: %v", spoken)
	}

	h.advance(time.Second)
	eventually(t, "all segments spoken", func() bool {
		spoken, _, _ := h.synth.snapshot()
		return len(spoken) == 3
	})
	spoken, _, max := h.synth.snapshot()
	if spoken[0] != "uno" || spoken[1] != "dos" || spoken[2] != "tres" {
		t.Fatalf("order=%v", spoken)
	}
	if max != 1 {
		t.Fatalf("max in-flight=%d", max)
	}
	eventually(t, "drained", func() bool { return h.phase() == PhaseDrained })
}

func TestController_SingleActivePlayback(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: time.Second, InterSegmentPause: -1})
	h.synth.release = make(chan struct{})

	h.enqueue(1, "a")
	h.enqueue(2, "b")
	h.enqueue(3, "c")
	h.advance(time.Second)

	eventually(t, "first speak", func() bool {
		_, inflight, _ := h.synth.snapshot()
		return inflight == 1
	})
	time.Sleep(20 * time.Millisecond)
	if spoken, inflight, _ := h.synth.snapshot(); inflight != 1 || len(spoken) != 0 {
		t.Fatalf("inflight=%d spoken=%v", inflight, spoken)
	}

	for i := 1; i <= 3; i++ {
		h.synth.release <- struct{}{}
		eventually(t, "completion", func() bool {
			spoken, _, _ := h.synth.snapshot()
			return len(spoken) == i
		})
	}
	if _, _, max := h.synth.snapshot(); max != 1 {
		t.Fatalf("max in-flight=%d", max)
	}
}

func TestController_InterSegmentPause(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: time.Second, InterSegmentPause: 250 * time.Millisecond})

	h.enqueue(1, "a")
	h.enqueue(2, "b")
	h.advance(time.Second)
	eventually(t, "first segment", func() bool {
		spoken, _, _ := h.synth.snapshot()
		return len(spoken) == 1
	})
	eventually(t, "pause armed", func() bool {
		var armed bool
		h.l.do(func() { armed = h.c.pauseTask.Pending() })
		return armed
	})
	if spoken, _, _ := h.synth.snapshot(); len(spoken) != 1 {
		t.Fatalf("second segment skipped the pause: %v", spoken)
	}
	h.advance(250 * time.Millisecond)
	eventually(t, "second segment", func() bool {
		spoken, _, _ := h.synth.snapshot()
		return len(spoken) == 2
	})
}

// When queued segments expire during a countdown, the countdown is cancelled
// and nothing is spoken.
func TestController_CountdownCancelledWhenBufferEmpties(t *testing.T) {
	h := newHarness(t, Config{Threshold: 2, CountdownDuration: 10 * time.Second, SegmentTTL: 5 * time.Second})

	h.enqueue(1, "uno")
	h.enqueue(2, "dos")
	if h.phase() != PhaseCountdown {
		t.Fatalf("phase=%s", h.phase())
	}
	h.advance(5 * time.Second)
	if h.phase() != PhaseWaiting {
		t.Fatalf("phase=%s, want waiting after expiry", h.phase())
	}
	if h.countdown() != nil {
		t.Fatal("countdown still reported")
	}
	h.advance(20 * time.Second)
	if spoken, _, _ := h.synth.snapshot(); len(spoken) != 0 {
		t.Fatalf("spoke with empty buffer: %v", spoken)
	}

	h.enqueue(3, "tres")
	if h.phase() != PhaseWaiting {
		t.Fatalf("countdown restarted below threshold: %s", h.phase())
	}
}

func TestController_DepletionAndRestart(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: time.Second, InterSegmentPause: -1, DepletionTimeout: 3 * time.Second})

	h.enqueue(1, "a")
	h.advance(time.Second)
	eventually(t, "drained", func() bool { return h.phase() == PhaseDrained })

	var depleted bool
	h.l.do(func() { depleted = h.c.Depleted() })
	if depleted {
		t.Fatal("depleted before timeout")
	}
	h.advance(3 * time.Second)
	h.l.do(func() { depleted = h.c.Depleted() })
	if !depleted {
		t.Fatal("depletion not reported")
	}

	h.enqueue(2, "b")
	h.l.do(func() { depleted = h.c.Depleted() })
	if depleted {
		t.Fatal("new content should clear depletion")
	}
	if h.phase() != PhaseCountdown {
		t.Fatalf("phase=%s, want countdown", h.phase())
	}
}

func TestController_DedupesAndOrdersBySeq(t *testing.T) {
	h := newHarness(t, Config{Threshold: 5})

	h.enqueue(3, "c")
	h.enqueue(1, "a")
	if h.enqueue(3, "c again") {
		t.Fatal("duplicate accepted")
	}
	h.enqueue(2, "b")

	var buf []types.Segment
	h.l.do(func() { buf = h.c.Buffer() })
	if len(buf) != 3 || buf[0].Seq != 1 || buf[1].Seq != 2 || buf[2].Seq != 3 {
		t.Fatalf("buffer=%+v", buf)
	}
}

func TestController_DropsAlreadyPlayed(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: time.Second, InterSegmentPause: -1})

	h.enqueue(5, "five")
	h.advance(time.Second)
	eventually(t, "played", func() bool {
		spoken, _, _ := h.synth.snapshot()
		return len(spoken) == 1
	})
	if h.enqueue(4, "late") {
		t.Fatal("segment older than the last played one was accepted")
	}
}

func TestController_HoldAndRelease(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: 2 * time.Second})

	h.enqueue(1, "a")
	h.l.do(h.c.Hold)
	if h.phase() != PhaseWaiting {
		t.Fatalf("phase=%s, countdown should stop while held", h.phase())
	}
	h.advance(5 * time.Second)
	if spoken, _, _ := h.synth.snapshot(); len(spoken) != 0 {
		t.Fatalf("spoke while held: %v", spoken)
	}
	h.l.do(h.c.Release)
	if h.phase() != PhaseCountdown {
		t.Fatalf("phase=%s after release", h.phase())
	}
}

func TestController_StopDiscardsLateCompletion(t *testing.T) {
	h := newHarness(t, Config{Threshold: 1, CountdownDuration: time.Second})
	h.synth.release = make(chan struct{})
	var spokenCallbacks int
	h.l.do(func() { h.c.OnSpoken = func(types.Segment, error) { spokenCallbacks++ } })

	h.enqueue(1, "a")
	h.advance(time.Second)
	eventually(t, "speaking", func() bool {
		_, inflight, _ := h.synth.snapshot()
		return inflight == 1
	})
	h.l.do(h.c.Stop)
	eventually(t, "speak cancelled", func() bool {
		spoken, _, _ := h.synth.snapshot()
		return len(spoken) == 1
	})
	h.l.do(func() {})
	var n int
	h.l.do(func() { n = spokenCallbacks })
	if n != 0 {
		t.Fatalf("late completion delivered after Stop")
	}
}
