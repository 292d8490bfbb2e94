// Package server implements the session relay: a WebSocket fan-out service
// that forwards every frame to the other members of the sender's session.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interpret/pkg/metrics"
	"github.com/vango-go/vai-interpret/pkg/relay/hub"
	"github.com/vango-go/vai-interpret/pkg/relay/lifecycle"
	"github.com/vango-go/vai-interpret/pkg/relay/mw"
	"github.com/vango-go/vai-interpret/pkg/relay/protocol"
)

type Config struct {
	PingInterval   time.Duration
	StaleTimeout   time.Duration
	WriteTimeout   time.Duration
	SendQueue      int
	MaxFrameBytes  int64
	AllowedOrigins []string
}

func DefaultConfig() Config {
	return Config{
		PingInterval:  30 * time.Second,
		StaleTimeout:  90 * time.Second,
		WriteTimeout:  5 * time.Second,
		SendQueue:     64,
		MaxFrameBytes: protocol.MaxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.SendQueue <= 0 {
		c.SendQueue = d.SendQueue
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// Bridge carries frames between relay instances.
type Bridge interface {
	Publish(ctx context.Context, sessionID string, frame []byte) error
	// Run delivers frames published by other instances until ctx is done.
	Run(ctx context.Context, deliver func(sessionID string, frame []byte)) error
}

type Options struct {
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Bridge    Bridge
	Registry  *hub.Registry
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	lifecycle *lifecycle.Lifecycle
	bridge    Bridge
	reg       *hub.Registry
	router    chi.Router
	upgrader  websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	conns  sync.WaitGroup
	loops  sync.WaitGroup
}

// New builds the relay and starts its heartbeat (and bridge, if any). Call
// Shutdown to stop them.
func New(cfg Config, opts Options) *Server {
	cfg = cfg.withDefaults()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	life := opts.Lifecycle
	if life == nil {
		life = &lifecycle.Lifecycle{}
	}
	reg := opts.Registry
	if reg == nil {
		reg = hub.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   opts.Metrics,
		lifecycle: life,
		bridge:    opts.Bridge,
		reg:       reg,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: false,
		CheckOrigin:       s.checkOrigin,
	}
	s.routes()

	s.loops.Add(1)
	go s.heartbeat()
	if s.bridge != nil {
		s.loops.Add(1)
		go s.runBridge()
	}
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/{sessionID}", s.handleSocket)
	s.router = r
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.router
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the session registry.
func (s *Server) Registry() *hub.Registry { return s.reg }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	phase := s.lifecycle.Phase()
	if phase != lifecycle.Serving {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_, _ = w.Write([]byte(phase.String() + "\n"))
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		mw.Reject(w, r, http.StatusNotFound, mw.TypeNotFound, "session id is required")
		return
	}

	s.mu.Lock()
	if s.closed || !s.lifecycle.Accepting() {
		s.mu.Unlock()
		mw.Reject(w, r, http.StatusServiceUnavailable, mw.TypeUnavailable, "relay is shutting down")
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()
	defer s.conns.Done()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "request_id", reqID, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)

	c := newConn(uuid.NewString(), sessionID, ws, s.cfg.SendQueue, s.cfg.WriteTimeout, time.Now())
	leave, err := s.reg.Join(sessionID, c)
	if err != nil {
		c.Close(websocket.CloseGoingAway, "server shutdown")
		return
	}
	c.setLeave(leave)
	s.metrics.RecordConnectionOpen()
	s.metrics.SetSessions(s.reg.Sessions())
	logger := s.logger.With("session_id", sessionID, "conn_id", c.id, "request_id", reqID)
	logger.Info("relay connection opened")

	go c.writePump()
	s.readLoop(c, logger)

	role, _, _ := s.reg.Profile(sessionID, c.id)
	c.unregister()
	c.Close(websocket.CloseNormalClosure, "")
	s.metrics.RecordConnectionClose()
	s.metrics.SetSessions(s.reg.Sessions())
	if role == protocol.RoleAudience {
		s.sendAudienceUpdate(sessionID)
	}
	logger.Info("relay connection closed")
}

func (s *Server) readLoop(c *conn, logger *slog.Logger) {
	c.ws.SetPongHandler(func(string) error {
		c.awaitingPong.Store(false)
		c.touch(time.Now())
		return nil
	})
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) && !c.closed() {
				logger.Debug("relay read ended", "error", err)
			}
			return
		}
		c.touch(time.Now())
		if mt != websocket.TextMessage {
			logger.Debug("ignoring non-text frame", "message_type", mt)
			continue
		}
		s.handleFrame(c, data, logger)
	}
}

func (s *Server) handleFrame(c *conn, data []byte, logger *slog.Logger) {
	env, err := protocol.Peek(data)
	if err != nil {
		s.metrics.RecordMalformed()
		logger.Warn("malformed frame forwarded", "error", err, "bytes", len(data))
	}

	audienceChanged := false
	switch env.Type {
	case protocol.TypeSessionJoin:
		prevRole, _, _ := s.reg.Profile(c.sessionID, c.id)
		if s.reg.SetProfile(c.sessionID, c.id, env.Role, env.Language) {
			audienceChanged = env.Role == protocol.RoleAudience || prevRole == protocol.RoleAudience
		}
	case protocol.TypeSessionLeave:
		prevRole, _, _ := s.reg.Profile(c.sessionID, c.id)
		if s.reg.SetProfile(c.sessionID, c.id, "", "") {
			audienceChanged = prevRole == protocol.RoleAudience
		}
	}

	s.forward(c.sessionID, c.id, env.Type, data)
	if s.bridge != nil {
		if err := s.bridge.Publish(s.ctx, c.sessionID, data); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("bridge publish failed", "error", err)
		}
	}
	if audienceChanged {
		s.sendAudienceUpdate(c.sessionID)
	}
}

func (s *Server) forward(sessionID, from, frameType string, data []byte) {
	delivered, slow := s.reg.Broadcast(sessionID, from, data)
	s.metrics.RecordForward(frameType, delivered)
	for _, p := range slow {
		s.metrics.RecordSlowConsumer()
		s.logger.Warn("closing slow relay member", "session_id", sessionID, "conn_id", p.ID())
		p.Close(websocket.CloseTryAgainLater, "send queue full")
	}
}

func (s *Server) sendAudienceUpdate(sessionID string) {
	if !s.reg.Has(sessionID) {
		return
	}
	info := s.reg.Audience(sessionID)
	frame, err := protocol.Encode(protocol.AudienceUpdate{
		Type:                 protocol.TypeAudienceUpdate,
		SessionID:            sessionID,
		TotalListeners:       info.TotalListeners,
		LanguageDistribution: info.LanguageDistribution,
	})
	if err != nil {
		s.logger.Warn("encode audience_update", "session_id", sessionID, "error", err)
		return
	}
	s.forward(sessionID, "", protocol.TypeAudienceUpdate, frame)
}

func (s *Server) heartbeat() {
	defer s.loops.Done()
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes members that missed the previous ping or have been silent past
// the stale timeout, and pings the rest.
func (s *Server) sweep(now time.Time) {
	s.reg.Each(func(sessionID string, p hub.Peer) {
		c, ok := p.(*conn)
		if !ok {
			return
		}
		missed := c.awaitingPong.Load()
		silent := c.silentFor(now)
		if missed || silent > s.cfg.StaleTimeout {
			s.metrics.RecordEviction()
			s.logger.Info("evicting unresponsive relay member",
				"session_id", sessionID,
				"conn_id", c.id,
				"missed_pong", missed,
				"silent_ms", silent.Milliseconds(),
			)
			c.unregister()
			c.Close(websocket.CloseGoingAway, "heartbeat timeout")
			s.metrics.SetSessions(s.reg.Sessions())
			return
		}
		if err := c.ping(); err != nil {
			s.logger.Debug("ping failed", "session_id", sessionID, "conn_id", c.id, "error", err)
		}
	})
}

func (s *Server) runBridge() {
	defer s.loops.Done()
	err := s.bridge.Run(s.ctx, func(sessionID string, frame []byte) {
		frameType := ""
		if env, err := protocol.Peek(frame); err == nil {
			frameType = env.Type
		}
		s.forward(sessionID, "", frameType, frame)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("relay bridge stopped", "error", err)
	}
}

// Shutdown marks the relay as draining, sends every member a going-away close
// frame and waits for connection handlers to return.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.lifecycle.Drain()
	s.cancel()
	s.loops.Wait()

	peers := s.reg.Close()
	for _, p := range peers {
		p.Close(websocket.CloseGoingAway, "server shutdown")
	}
	s.logger.Info("relay draining", "connections", len(peers))

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.lifecycle.Stop()
		s.metrics.SetSessions(0)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
