// Package client is the device side of the session relay: it joins a session,
// delivers inbound frames and reconnects after the link drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
)

var (
	ErrNotConnected     = errors.New("relay: not connected")
	ErrAlreadyConnected = errors.New("relay: already connected")
)

// Membership identifies the session to join and how this device announces
// itself.
type Membership struct {
	SessionID string
	Role      string
	Language  string
}

// Handler receives relay events on the client's read goroutine.
type Handler struct {
	OnFrame func(data []byte)
	OnLink  func(up bool)
}

func (h Handler) frame(data []byte) {
	if h.OnFrame != nil {
		h.OnFrame(data)
	}
}

func (h Handler) link(up bool) {
	if h.OnLink != nil {
		h.OnLink(up)
	}
}

type Config struct {
	BaseURL          string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout closes a link that has seen no frame or ping for this long.
	ReadTimeout   time.Duration
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      90 * time.Second,
		ReconnectBase:    500 * time.Millisecond,
		ReconnectMax:     10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = d.ReconnectBase
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = d.ReconnectMax
	}
	return c
}

type Client struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	cancel  context.CancelFunc
	done    chan struct{}
	writeMu sync.Mutex
}

func New(cfg Config, logger *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  cfg.HandshakeTimeout,
			EnableCompression: false,
		},
	}
}

// Connect dials the relay and announces m. The first dial is synchronous;
// later drops are retried in the background until Close or ctx is done.
func (c *Client) Connect(ctx context.Context, m Membership, h Handler) error {
	if strings.TrimSpace(m.SessionID) == "" {
		return errors.New("relay: session id is required")
	}

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx, m)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		cancel()
		_ = ws.Close()
		return ErrAlreadyConnected
	}
	c.ws = ws
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	h.link(true)
	go c.run(runCtx, done, m, h, ws)
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}, m Membership, h Handler, ws *websocket.Conn) {
	defer close(done)
	for {
		err := c.readLoop(ws, h)
		c.setConn(nil)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("relay link down", "session_id", m.SessionID, "error", err)
		h.link(false)

		ws, err = c.redial(ctx, m)
		if err != nil {
			return
		}
		if !c.restore(ctx, ws) {
			return
		}
		c.logger.Info("relay link restored", "session_id", m.SessionID)
		h.link(true)
	}
}

func (c *Client) redial(ctx context.Context, m Membership) (*websocket.Conn, error) {
	b := retry.WithCappedDuration(c.cfg.ReconnectMax, retry.NewExponential(c.cfg.ReconnectBase))
	return retry.DoValue(ctx, b, func(ctx context.Context) (*websocket.Conn, error) {
		ws, err := c.dial(ctx, m)
		if err != nil {
			c.logger.Debug("relay redial failed", "session_id", m.SessionID, "error", err)
			return nil, retry.RetryableError(err)
		}
		return ws, nil
	})
}

func (c *Client) dial(ctx context.Context, m Membership) (*websocket.Conn, error) {
	target := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + url.PathEscape(m.SessionID)
	ws, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", target, err)
	}
	ws.SetReadLimit(protocol.MaxFrameBytes)

	join, err := protocol.Encode(protocol.SessionJoin{
		Type:     protocol.TypeSessionJoin,
		Role:     m.Role,
		Language: m.Language,
	})
	if err == nil {
		_ = ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
		err = ws.WriteMessage(websocket.TextMessage, join)
	}
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("announce session_join: %w", err)
	}
	return ws, nil
}

func (c *Client) readLoop(ws *websocket.Conn, h Handler) error {
	extend := func() { _ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)) }
	extend()
	ws.SetPingHandler(func(appData string) error {
		extend()
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			_ = ws.Close()
			return err
		}
		extend()
		if mt != websocket.TextMessage {
			continue
		}
		h.frame(data)
	}
}

// restore installs a redialed socket unless Close has run meanwhile.
func (c *Client) restore(ctx context.Context, ws *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		_ = ws.Close()
		return false
	}
	c.ws = ws
	return true
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// Connected reports whether the link is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Send encodes msg and writes it as one text frame.
func (c *Client) Send(ctx context.Context, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(ctx, data)
}

// SendRaw writes an already encoded frame.
func (c *Client) SendRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("relay write: %w", err)
	}
	return nil
}

// Close sends a normal close frame, stops reconnecting and waits for the
// read goroutine to exit. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	cancel, done, ws := c.cancel, c.done, c.ws
	c.cancel, c.done, c.ws = nil, nil, nil
	if cancel != nil {
		cancel()
	}
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		_ = ws.Close()
	}
	<-done
	return nil
}
