package sched

import (
	"testing"
	"time"
)

// inline post runs callbacks immediately; good enough when the test goroutine is the loop.
func inlinePost(fn func()) bool {
	fn()
	return true
}

func TestFakeClock_AdvanceFiresInDueOrder(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	var order []string
	clk.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	clk.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	clk.AfterFunc(2*time.Second, func() { order = append(order, "b") })

	clk.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order=%v, want [a b]", order)
	}
	if got := clk.Now(); !got.Equal(time.Unix(2, 0)) {
		t.Fatalf("now=%v, want 2s", got)
	}
	clk.Advance(time.Second)
	if len(order) != 3 || order[2] != "c" {
		t.Fatalf("order=%v, want [a b c]", order)
	}
}

func TestFakeClock_TimerArmedDuringAdvanceFires(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	fired := 0
	clk.AfterFunc(time.Second, func() {
		clk.AfterFunc(time.Second, func() { fired++ })
	})
	clk.Advance(5 * time.Second)
	if fired != 1 {
		t.Fatalf("fired=%d, want 1", fired)
	}
}

func TestFakeClock_Stop(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	fired := false
	tm := clk.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("first Stop should report true")
	}
	if tm.Stop() {
		t.Fatal("second Stop should report false")
	}
	clk.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestScheduler_CancelBeforeFire(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	s := NewScheduler(clk, inlinePost)
	fired := 0
	task := s.After(time.Second, func() { fired++ })
	if !task.Pending() {
		t.Fatal("task should be pending")
	}
	task.Cancel()
	task.Cancel()
	clk.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatalf("fired=%d, want 0", fired)
	}
	if s.Active() != 0 {
		t.Fatalf("active=%d, want 0", s.Active())
	}
}

func TestScheduler_CanceledAfterPostIsSkipped(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	var queued []func()
	s := NewScheduler(clk, func(fn func()) bool {
		queued = append(queued, fn)
		return true
	})
	fired := false
	task := s.After(time.Second, func() { fired = true })
	clk.Advance(time.Second)
	if len(queued) != 1 {
		t.Fatalf("queued=%d, want 1", len(queued))
	}
	task.Cancel()
	queued[0]()
	if fired {
		t.Fatal("callback ran after cancel")
	}
}

func TestScheduler_RescheduleCancelsPrevious(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	s := NewScheduler(clk, inlinePost)
	var got []int
	var slot *Task
	s.Reschedule(&slot, time.Second, func() { got = append(got, 1) })
	s.Reschedule(&slot, 2*time.Second, func() { got = append(got, 2) })
	clk.Advance(3 * time.Second)
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("got=%v, want [2]", got)
	}
}

func TestScheduler_EveryFixedCadence(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	s := NewScheduler(clk, inlinePost)
	var at []int64
	task := s.Every(5*time.Second, func() { at = append(at, clk.Now().Unix()) })
	clk.Advance(16 * time.Second)
	if len(at) != 3 || at[0] != 5 || at[1] != 10 || at[2] != 15 {
		t.Fatalf("ticks=%v, want [5 10 15]", at)
	}
	task.Cancel()
	clk.Advance(10 * time.Second)
	if len(at) != 3 {
		t.Fatalf("ticks after cancel=%v", at)
	}
}

func TestScheduler_CancelAll(t *testing.T) {
	clk := NewFakeClock(time.Unix(0, 0))
	s := NewScheduler(clk, inlinePost)
	fired := 0
	s.After(time.Second, func() { fired++ })
	s.After(2*time.Second, func() { fired++ })
	s.Every(time.Second, func() { fired++ })
	if n := s.CancelAll(); n != 3 {
		t.Fatalf("canceled=%d, want 3", n)
	}
	clk.Advance(5 * time.Second)
	if fired != 0 {
		t.Fatalf("fired=%d, want 0", fired)
	}
}
