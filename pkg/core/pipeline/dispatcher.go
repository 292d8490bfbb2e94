package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
)

// ErrDispatchTimeout is returned when a send does not complete within the
// dispatch timeout.
var ErrDispatchTimeout = errors.New("dispatch timed out")

// Delivery is the broadcast payload of one processed chunk.
type Delivery struct {
	SessionID      string
	Seq            uint64
	SourceLanguage string
	SourceText     string
	Translations   []Translation
	Timestamp      time.Time
}

// Sender delivers a chunk to the relay.
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error { return f(ctx, d) }

// DispatchStatus is the dispatcher's readiness.
type DispatchStatus string

const (
	DispatchReady    DispatchStatus = "ready"
	DispatchSending  DispatchStatus = "sending"
	DispatchCooldown DispatchStatus = "cooldown"
)

// Dispatcher sends deliveries with a timeout. After a failure it cools down
// before the next send; it never retries the failed delivery.
type Dispatcher struct {
	sender   Sender
	timeout  time.Duration
	cooldown time.Duration
	clock    sched.Clock
	logger   *slog.Logger

	mu     sync.Mutex
	status DispatchStatus
	ready  chan struct{} // closed when the current cool-down ends
	timer  sched.Timer
}

// NewDispatcher returns a ready dispatcher.
func NewDispatcher(sender Sender, timeout, cooldown time.Duration, clock sched.Clock, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Dispatcher{
		sender:   sender,
		timeout:  timeout,
		cooldown: cooldown,
		clock:    sched.OrReal(clock),
		logger:   logger,
		status:   DispatchReady,
	}
}

// Status returns the current status.
func (d *Dispatcher) Status() DispatchStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// Dispatch waits out any cool-down, then sends del. A chunk that arrives during
// a cool-down is delayed, not failed.
func (d *Dispatcher) Dispatch(ctx context.Context, del Delivery) error {
	d.mu.Lock()
	ready := d.ready
	d.mu.Unlock()
	if ready != nil {
		select {
		case <-ready:
		case <-ctx.Done():
			return fmt.Errorf("dispatch: %w", ctx.Err())
		}
	}

	d.setStatus(DispatchSending)
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	err := d.sender.Send(sendCtx, del)
	timedOut := sendCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	cancel()

	if err == nil {
		d.setStatus(DispatchReady)
		return nil
	}
	if timedOut {
		err = fmt.Errorf("%w after %s: %w", ErrDispatchTimeout, d.timeout, err)
	}
	d.enterCooldown()
	return fmt.Errorf("dispatch seq %d: %w", del.Seq, err)
}

func (d *Dispatcher) enterCooldown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cooldown <= 0 {
		d.status = DispatchReady
		return
	}
	ch := d.ready
	if ch == nil {
		ch = make(chan struct{})
		d.ready = ch
	}
	d.status = DispatchCooldown
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = d.clock.AfterFunc(d.cooldown, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.ready != ch {
			return
		}
		d.ready = nil
		d.timer = nil
		d.status = DispatchReady
		close(ch)
	})
	d.logger.Debug("dispatcher cooling down", "cooldown", d.cooldown)
}

func (d *Dispatcher) setStatus(s DispatchStatus) {
	d.mu.Lock()
	d.status = s
	d.mu.Unlock()
}
