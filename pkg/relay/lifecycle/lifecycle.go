// Package lifecycle tracks the relay process phase for readiness checks and
// for refusing new sockets during shutdown.
package lifecycle

import (
	"sync/atomic"
	"time"
)

// Phase only moves forward: Serving, then Draining, then Stopped.
type Phase int32

const (
	Serving Phase = iota
	Draining
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Serving:
		return "ready"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Lifecycle is shared by the relay handlers. A nil *Lifecycle is always
// serving.
type Lifecycle struct {
	phase   atomic.Int32
	changed atomic.Int64
}

// Phase returns the current phase.
func (l *Lifecycle) Phase() Phase {
	if l == nil {
		return Serving
	}
	return Phase(l.phase.Load())
}

// Accepting reports whether new sockets may join.
func (l *Lifecycle) Accepting() bool {
	return l.Phase() == Serving
}

// Drain moves to Draining and reports whether this call made the change.
func (l *Lifecycle) Drain() bool {
	return l.advance(Draining)
}

// Stop moves to Stopped once every connection has closed.
func (l *Lifecycle) Stop() bool {
	return l.advance(Stopped)
}

// Since returns when the current phase began, or the zero time while serving.
func (l *Lifecycle) Since() time.Time {
	if l == nil {
		return time.Time{}
	}
	if ns := l.changed.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (l *Lifecycle) advance(to Phase) bool {
	if l == nil {
		return false
	}
	for {
		cur := l.phase.Load()
		if Phase(cur) >= to {
			return false
		}
		if l.phase.CompareAndSwap(cur, int32(to)) {
			l.changed.Store(time.Now().UnixNano())
			return true
		}
	}
}
