package engine

import (
	"context"
	"sync"

	"github.com/vango-go/vai-interpret/pkg/relay/client"
)

// Identity creates and resolves session codes.
type Identity interface {
	StartSession(ctx context.Context, languageCode string) (sessionID string, err error)
	JoinSession(ctx context.Context, code string) (sessionID string, err error)
}

// Transport is the device's link to the session relay.
type Transport interface {
	Connect(ctx context.Context, m client.Membership, h client.Handler) error
	Send(ctx context.Context, msg any) error
	Close() error
}

var _ Transport = (*client.Client)(nil)

// Connectivity reports network reachability. Watch delivers every change until
// ctx is done; intermediate values may be coalesced.
type Connectivity interface {
	Online() bool
	Watch(ctx context.Context) <-chan bool
}

// Observer receives engine counters. *metrics.Metrics implements it.
type Observer interface {
	RecordFlush(reason string)
	RecordRecognitionRestart(kind string)
	RecordRecognitionAbort(kind string)
}

type nopObserver struct{}

func (nopObserver) RecordFlush(string)              {}
func (nopObserver) RecordRecognitionRestart(string) {}
func (nopObserver) RecordRecognitionAbort(string)   {}

// ManualConnectivity is a Connectivity whose state is set by the caller, for
// platforms that push reachability changes and for tests.
type ManualConnectivity struct {
	mu     sync.Mutex
	online bool
	subs   map[chan bool]struct{}
}

func NewManualConnectivity(online bool) *ManualConnectivity {
	return &ManualConnectivity{online: online, subs: make(map[chan bool]struct{})}
}

func (c *ManualConnectivity) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Set records the new state and notifies watchers when it changed.
func (c *ManualConnectivity) Set(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	for ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

func (c *ManualConnectivity) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	go func() {
		<-ctx.Done()
		c.mu.Lock()
		delete(c.subs, ch)
		close(ch)
		c.mu.Unlock()
	}()
	return ch
}

// serial runs functions one at a time in submission order.
type serial struct {
	mu   sync.Mutex
	tail chan struct{}
}

func (q *serial) Go(fn func()) <-chan struct{} {
	q.mu.Lock()
	prev := q.tail
	done := make(chan struct{})
	q.tail = done
	q.mu.Unlock()
	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}
		fn()
	}()
	return done
}
