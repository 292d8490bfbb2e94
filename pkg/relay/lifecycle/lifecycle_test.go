package lifecycle

import "testing"

func TestLifecycle_NilIsServing(t *testing.T) {
	var l *Lifecycle
	if l.Drain() || l.Stop() {
		t.Fatal("nil lifecycle changed phase")
	}
	if !l.Accepting() || l.Phase() != Serving || !l.Since().IsZero() {
		t.Fatalf("nil lifecycle phase=%s", l.Phase())
	}
}

func TestLifecycle_PhasesOnlyMoveForward(t *testing.T) {
	l := &Lifecycle{}
	if !l.Accepting() || !l.Since().IsZero() {
		t.Fatal("new lifecycle not serving")
	}
	if !l.Drain() {
		t.Fatal("first Drain reported no change")
	}
	if l.Drain() {
		t.Fatal("second Drain reported a change")
	}
	if l.Accepting() || l.Phase() != Draining || l.Since().IsZero() {
		t.Fatalf("phase=%s", l.Phase())
	}
	if !l.Stop() || l.Phase() != Stopped {
		t.Fatalf("phase=%s after Stop", l.Phase())
	}
	if l.Drain() || l.Phase() != Stopped {
		t.Fatal("Drain moved a stopped lifecycle backwards")
	}
}

func TestPhase_String(t *testing.T) {
	for p, want := range map[Phase]string{Serving: "ready", Draining: "draining", Stopped: "stopped", Phase(9): "unknown"} {
		if got := p.String(); got != want {
			t.Fatalf("Phase(%d)=%q, want %q", p, got, want)
		}
	}
}
