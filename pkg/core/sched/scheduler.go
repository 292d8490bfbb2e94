package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Scheduler arms timers whose callbacks are marshalled onto an owner's event
// loop through post. A callback whose task was canceled before the loop ran it
// is skipped, so canceling from inside the loop is always final.
type Scheduler struct {
	clock Clock
	post  func(func()) bool

	mu    sync.Mutex
	tasks map[*Task]struct{}
}

// Task is a cancellable handle to a scheduled callback.
type Task struct {
	s        *Scheduler
	mu       sync.Mutex
	timer    Timer
	canceled atomic.Bool
	done     atomic.Bool
}

// NewScheduler returns a Scheduler using clock. post must enqueue fn onto the
// owner's loop and report false once the loop is gone.
func NewScheduler(clock Clock, post func(func()) bool) *Scheduler {
	return &Scheduler{
		clock: OrReal(clock),
		post:  post,
		tasks: make(map[*Task]struct{}),
	}
}

// Clock returns the scheduler's clock.
func (s *Scheduler) Clock() Clock { return s.clock }

// Now is shorthand for s.Clock().Now().
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// After runs fn on the loop once d has elapsed.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	t := &Task{s: s}
	s.track(t)
	t.mu.Lock()
	t.timer = s.clock.AfterFunc(d, func() {
		s.post(func() {
			if t.canceled.Load() || t.done.Swap(true) {
				return
			}
			s.untrack(t)
			fn()
		})
	})
	t.mu.Unlock()
	return t
}

// Every runs fn on the loop every d, on a fixed cadence from now. The next
// timer is armed before fn is posted so slow loops do not drift the schedule.
func (s *Scheduler) Every(d time.Duration, fn func()) *Task {
	t := &Task{s: s}
	s.track(t)
	var arm func()
	arm = func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.canceled.Load() {
			return
		}
		t.timer = s.clock.AfterFunc(d, func() {
			arm()
			s.post(func() {
				if t.canceled.Load() {
					return
				}
				fn()
			})
		})
	}
	arm()
	return t
}

// Reschedule cancels *slot (if any) and replaces it with a new After task.
func (s *Scheduler) Reschedule(slot **Task, d time.Duration, fn func()) {
	if slot == nil {
		return
	}
	(*slot).Cancel()
	*slot = s.After(d, fn)
}

// CancelAll cancels every task that has not fired yet.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	return len(tasks)
}

// Active reports the number of tasks that are armed and not canceled.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) track(t *Task) {
	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()
}

func (s *Scheduler) untrack(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

// Cancel stops the task. It is safe to call on a nil or already canceled task.
func (t *Task) Cancel() {
	if t == nil {
		return
	}
	if t.canceled.Swap(true) {
		return
	}
	t.mu.Lock()
	if t.timer != nil {
		t.timer.Stop()
	}
	t.mu.Unlock()
	if t.s != nil {
		t.s.untrack(t)
	}
}

// Pending reports whether the task can still fire.
func (t *Task) Pending() bool {
	if t == nil {
		return false
	}
	return !t.canceled.Load() && !t.done.Load()
}
