package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// conn is one relay socket. Only the write pump calls WriteMessage; control
// frames go through WriteControl, which gorilla allows concurrently.
type conn struct {
	id        string
	sessionID string
	ws        *websocket.Conn

	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration

	lastSeen     atomic.Int64
	awaitingPong atomic.Bool

	mu    sync.Mutex
	leave func()
}

func newConn(id, sessionID string, ws *websocket.Conn, queue int, writeTimeout time.Duration, now time.Time) *conn {
	c := &conn{
		id:           id,
		sessionID:    sessionID,
		ws:           ws,
		send:         make(chan []byte, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
	}
	c.touch(now)
	return c
}

func (c *conn) ID() string { return c.id }

func (c *conn) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.writeTimeout)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *conn) silentFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

func (c *conn) setLeave(fn func()) {
	c.mu.Lock()
	c.leave = fn
	c.mu.Unlock()
}

func (c *conn) unregister() {
	c.mu.Lock()
	fn := c.leave
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (c *conn) ping() error {
	c.awaitingPong.Store(true)
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.Close(websocket.CloseInternalServerErr, "write failed")
				return
			}
		}
	}
}
