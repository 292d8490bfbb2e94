package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interpret/pkg/core/recognition"
)

const (
	cartesiaStreamURL = "wss://api.cartesia.ai/stt/websocket"
	cartesiaVersion   = "2025-04-16"
)

// CartesiaProvider streams audio to Cartesia's realtime STT endpoint.
type CartesiaProvider struct {
	apiKey    string
	streamURL string
	dialer    *websocket.Dialer
}

// NewCartesia creates a new Cartesia STT provider.
func NewCartesia(apiKey string) *CartesiaProvider {
	return NewCartesiaWithURL(apiKey, cartesiaStreamURL)
}

// NewCartesiaWithURL points the provider at a different WebSocket endpoint.
func NewCartesiaWithURL(apiKey, streamURL string) *CartesiaProvider {
	return &CartesiaProvider{
		apiKey:    apiKey,
		streamURL: streamURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Name returns the provider identifier.
func (c *CartesiaProvider) Name() string {
	return "cartesia"
}

func (c *CartesiaProvider) streamTarget(opts StreamOptions) (string, error) {
	u, err := url.Parse(c.streamURL)
	if err != nil {
		return "", fmt.Errorf("parse websocket URL: %w", err)
	}
	q := u.Query()

	model := opts.Model
	if model == "" {
		model = "ink-whisper"
	}
	q.Set("model", model)

	language := opts.Language
	if language == "" {
		language = "en"
	}
	q.Set("language", language)

	encoding := opts.Encoding
	if encoding == "" {
		encoding = "pcm_s16le"
	}
	q.Set("encoding", encoding)

	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	q.Set("sample_rate", strconv.Itoa(sampleRate))

	minVolume := opts.MinVolume
	if minVolume <= 0 {
		minVolume = 0.01
	}
	q.Set("min_volume", strconv.FormatFloat(minVolume, 'f', -1, 64))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream opens a streaming session. Handshake failures are returned as
// *recognition.Error so the manager can classify them.
func (c *CartesiaProvider) NewStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	target, err := c.streamTarget(opts)
	if err != nil {
		return nil, recognition.NewError(recognition.KindClient, "bad_url", err)
	}

	headers := http.Header{}
	headers.Set("X-API-Key", c.apiKey)
	headers.Set("Cartesia-Version", cartesiaVersion)

	conn, resp, err := c.dialer.DialContext(ctx, target, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			kind := kindForStatus(resp.StatusCode)
			detail := fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			return nil, recognition.NewError(kind, strconv.Itoa(resp.StatusCode), detail)
		}
		return nil, recognition.NewError(recognition.KindOf(err), "connect", fmt.Errorf("websocket connect: %w", err))
	}

	s := &cartesiaStream{
		conn:   conn,
		events: make(chan Event, 100),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

func kindForStatus(status int) recognition.Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return recognition.KindPermission
	case status == http.StatusTooManyRequests || status >= 500:
		return recognition.KindServiceBusy
	case status == http.StatusRequestTimeout:
		return recognition.KindTimeout
	case status >= 400:
		return recognition.KindClient
	default:
		return recognition.KindUnknown
	}
}

type cartesiaStream struct {
	conn    *websocket.Conn
	events  chan Event
	done    chan struct{}
	closed  atomic.Bool
	writeMu sync.Mutex
}

type cartesiaMessage struct {
	Type      string   `json:"type"` // "transcript", "flush_done", "done", "error"
	Text      string   `json:"text"`
	IsFinal   bool     `json:"is_final"`
	Duration  float64  `json:"duration"`
	Language  string   `json:"language"`
	Stability *float64 `json:"stability,omitempty"`
	RequestID string   `json:"request_id"`
	Error     string   `json:"error"`
	Code      string   `json:"code"`
}

func (s *cartesiaStream) readLoop() {
	defer func() {
		close(s.events)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.emit(Event{Err: recognition.NewError(recognition.KindNetwork, "closed", ErrStreamClosed)})
				return
			}
			s.emit(Event{Err: recognition.NewError(recognition.KindOf(err), "read", err)})
			return
		}

		var msg cartesiaMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			s.emit(Event{
				Text:      msg.Text,
				IsFinal:   msg.IsFinal,
				Stability: msg.Stability,
				Language:  msg.Language,
				Duration:  msg.Duration,
			})
		case "flush_done":
			continue
		case "done":
			if !s.closed.Load() {
				s.emit(Event{Err: recognition.NewError(recognition.KindNetwork, "done", ErrStreamClosed)})
			}
			return
		case "error":
			s.emit(Event{Err: recognition.NewError(cartesiaErrorKind(msg.Code), msg.Code, errors.New(msg.Error))})
			return
		}
	}
}

func cartesiaErrorKind(code string) recognition.Kind {
	switch code {
	case "timeout", "idle_timeout":
		return recognition.KindTimeout
	case "rate_limited", "overloaded":
		return recognition.KindServiceBusy
	case "unauthorized", "forbidden":
		return recognition.KindPermission
	case "invalid_request", "bad_request":
		return recognition.KindClient
	default:
		return recognition.KindUnknown
	}
}

func (s *cartesiaStream) emit(ev Event) {
	s.events <- ev
}

func (s *cartesiaStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *cartesiaStream) Finalize() error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, []byte("finalize"))
}

func (s *cartesiaStream) Events() <-chan Event {
	return s.events
}

// Close ends the session. Pending events are drained so the read loop exits.
func (s *cartesiaStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte("done"))
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()

	err := s.conn.Close()
	go func() {
		for range s.events {
		}
	}()
	<-s.done
	return err
}
