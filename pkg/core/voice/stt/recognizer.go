package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/recognition"
	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// AudioSource opens the capture device. Each recognition session opens its own
// reader and closes it when the session ends.
type AudioSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// AudioSourceFunc adapts a function to AudioSource.
type AudioSourceFunc func(ctx context.Context) (io.ReadCloser, error)

func (f AudioSourceFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// Recognizer runs one provider stream at a time over an audio source and
// implements recognition.Recognizer.
type Recognizer struct {
	provider   Provider
	source     AudioSource
	opts       StreamOptions
	chunkBytes int
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.Mutex
	active *session
}

type session struct {
	stream Stream
	audio  io.ReadCloser
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ recognition.Recognizer = (*Recognizer)(nil)

// NewRecognizer wires provider and source. chunkBytes <= 0 uses 3200 bytes
// (100ms of 16kHz pcm_s16le mono).
func NewRecognizer(provider Provider, source AudioSource, opts StreamOptions, chunkBytes int, logger *slog.Logger) *Recognizer {
	if chunkBytes <= 0 {
		chunkBytes = 3200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		provider:   provider,
		source:     source,
		opts:       opts,
		chunkBytes: chunkBytes,
		now:        time.Now,
		logger:     logger,
	}
}

func (r *Recognizer) StartListening(ctx context.Context, onResult func(types.TranscriptFragment), onError func(error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return recognition.NewError(recognition.KindClient, "busy", errors.New("recognition session already open"))
	}

	stream, err := r.provider.NewStream(ctx, r.opts)
	if err != nil {
		return err
	}
	audio, err := r.source.Open(ctx)
	if err != nil {
		_ = stream.Close()
		kind := recognition.KindAudio
		if errors.Is(err, os.ErrPermission) {
			kind = recognition.KindPermission
		}
		return recognition.NewError(kind, "audio_open", fmt.Errorf("open audio source: %w", err))
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &session{stream: stream, audio: audio, ctx: runCtx, cancel: cancel}
	r.active = s

	s.wg.Add(2)
	go r.pumpAudio(s, onError)
	go r.readEvents(s, onResult, onError)
	r.logger.Debug("recognition stream opened", "provider", r.provider.Name(), "language", r.opts.Language)
	return nil
}

func (r *Recognizer) pumpAudio(s *session, onError func(error)) {
	defer s.wg.Done()
	buf := make([]byte, r.chunkBytes)
	for {
		n, err := s.audio.Read(buf)
		if n > 0 {
			if sendErr := s.stream.SendAudio(buf[:n]); sendErr != nil {
				if s.ctx.Err() == nil {
					onError(recognition.NewError(recognition.KindOf(sendErr), "send_audio", sendErr))
				}
				return
			}
		}
		if errors.Is(err, io.EOF) {
			_ = s.stream.Finalize()
			return
		}
		if err != nil {
			if s.ctx.Err() == nil {
				onError(recognition.NewError(recognition.KindAudio, "audio_read", err))
			}
			return
		}
	}
}

func (r *Recognizer) readEvents(s *session, onResult func(types.TranscriptFragment), onError func(error)) {
	defer s.wg.Done()
	for ev := range s.stream.Events() {
		if s.ctx.Err() != nil {
			continue
		}
		if ev.Err != nil {
			onError(ev.Err)
			continue
		}
		onResult(types.TranscriptFragment{
			Text:      ev.Text,
			IsFinal:   ev.IsFinal,
			Stability: ev.Stability,
			Timestamp: r.now(),
		})
	}
}

// StopListening closes the open stream, if any, and waits for its goroutines.
func (r *Recognizer) StopListening(ctx context.Context) error {
	r.mu.Lock()
	s := r.active
	r.active = nil
	r.mu.Unlock()
	if s == nil {
		return nil
	}

	s.cancel()
	_ = s.audio.Close()
	err := s.stream.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}
