package tts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vango-go/vai-interpret/pkg/core/playback"
)

// Sink plays or stores synthesized audio. Play returns once the audio is done.
type Sink interface {
	Play(ctx context.Context, s *Synthesis) error
}

// Speaker synthesizes a segment and blocks until its sink has played it. It
// implements playback.Synthesizer.
type Speaker struct {
	provider Provider
	sink     Sink
	base     SynthesizeOptions
	voices   map[string]string
	logger   *slog.Logger
}

var _ playback.Synthesizer = (*Speaker)(nil)

// NewSpeaker builds a Speaker. voices maps language codes to provider voice
// ids; base.Voice is used for languages without an entry.
func NewSpeaker(provider Provider, sink Sink, base SynthesizeOptions, voices map[string]string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	v := make(map[string]string, len(voices))
	for lang, id := range voices {
		v[strings.ToLower(lang)] = id
	}
	return &Speaker{provider: provider, sink: sink, base: base, voices: v, logger: logger}
}

func (s *Speaker) Speak(ctx context.Context, text, language string) error {
	opts := s.base
	opts.Language = language
	if id, ok := s.voices[strings.ToLower(language)]; ok {
		opts.Voice = id
	}
	syn, err := s.provider.Synthesize(ctx, text, opts)
	if err != nil {
		return fmt.Errorf("%s synthesize: %w", s.provider.Name(), err)
	}
	syn.Text = text
	syn.Language = language
	s.logger.Debug("synthesized segment", "provider", s.provider.Name(), "language", language, "bytes", len(syn.Audio))
	return s.sink.Play(ctx, syn)
}

// WriterSink appends raw audio to w, e.g. a player's stdin.
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (ws *WriterSink) Play(ctx context.Context, s *Synthesis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_, err := ws.w.Write(s.Audio)
	return err
}

// DirSink writes each utterance to its own numbered file in dir.
type DirSink struct {
	dir string

	mu sync.Mutex
	n  int
}

func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audio dir: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (d *DirSink) Play(ctx context.Context, s *Synthesis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	d.n++
	name := fmt.Sprintf("%04d-%s.%s", d.n, languageOrUnknown(s.Language), extension(s.Format))
	d.mu.Unlock()
	return os.WriteFile(filepath.Join(d.dir, name), s.Audio, 0o644)
}

func languageOrUnknown(lang string) string {
	if lang == "" {
		return "und"
	}
	return lang
}

func extension(format string) string {
	switch format {
	case "mp3":
		return "mp3"
	case "pcm", "raw":
		return "pcm"
	default:
		return "wav"
	}
}
