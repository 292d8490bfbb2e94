package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/voice/stt"
	"github.com/vango-go/vai-interpret/pkg/core/voice/tts"
)

const (
	captureSampleRate = 16000
	playbackRate      = 24000
)

// audioSource picks the capture input for a speaker session: "-" reads raw
// pcm_s16le from stdin, "mic" runs ffmpeg and anything else is a file path.
func audioSource(input string, mic micOptions, logger *slog.Logger) stt.AudioSource {
	switch strings.TrimSpace(input) {
	case "-":
		return stt.AudioSourceFunc(func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(os.Stdin), nil
		})
	case "", "mic":
		return &ffmpegSource{opts: mic, logger: logger}
	default:
		return stt.AudioSourceFunc(func(context.Context) (io.ReadCloser, error) {
			return os.Open(input)
		})
	}
}

type micOptions struct {
	// Command replaces the ffmpeg invocation; it runs under /bin/sh and must
	// write 16kHz mono pcm_s16le to stdout.
	Command string
	Device  string
	Format  string
}

func (o micOptions) args() []string {
	format, device := o.Format, o.Device
	if format == "" {
		switch runtime.GOOS {
		case "darwin":
			format = "avfoundation"
		case "windows":
			format = "dshow"
		default:
			format = "pulse"
		}
	}
	if device == "" {
		switch format {
		case "avfoundation":
			// none:<index> skips the camera.
			device = "none:0"
		default:
			device = "default"
		}
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", format,
		"-i", device,
		"-ac", "1",
		"-ar", fmt.Sprint(captureSampleRate),
		"-f", "s16le",
		"-",
	}
}

// ffmpegSource captures the microphone through an ffmpeg child process. Each
// Open starts a fresh process; closing the reader kills it.
type ffmpegSource struct {
	opts   micOptions
	logger *slog.Logger
}

func (s *ffmpegSource) Open(ctx context.Context) (io.ReadCloser, error) {
	var cmd *exec.Cmd
	if strings.TrimSpace(s.opts.Command) != "" {
		cmd = exec.CommandContext(ctx, "/bin/sh", "-lc", s.opts.Command)
	} else {
		cmd = exec.CommandContext(ctx, "ffmpeg", s.opts.args()...)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := cmd.StderrPipe()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start audio capture: %w", err)
	}
	if stderr != nil {
		go logCaptureStderr(stderr, s.logger)
	}
	return &processReader{r: stdout, cmd: cmd}, nil
}

func logCaptureStderr(r io.Reader, logger *slog.Logger) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			logger.Warn("ffmpeg", "line", line)
		}
	}
}

type processReader struct {
	r    io.ReadCloser
	cmd  *exec.Cmd
	once sync.Once
}

func (p *processReader) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *processReader) Close() error {
	p.once.Do(func() {
		_ = p.r.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// ffplaySink plays raw pcm_s16le mono through a long-running ffplay process.
// Play blocks for the clip's duration so segments do not overlap.
type ffplaySink struct {
	path       string
	sampleRate int
	volume     int
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newFFPlaySink(path string, sampleRate, volume int, logger *slog.Logger) *ffplaySink {
	if path == "" {
		path = "ffplay"
	}
	if sampleRate <= 0 {
		sampleRate = playbackRate
	}
	return &ffplaySink{path: path, sampleRate: sampleRate, volume: volume, logger: logger, sleep: sleepCtx}
}

func (s *ffplaySink) args() []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostats",
		"-nodisp",
		"-volume", fmt.Sprint(s.volume),
		"-f", "s16le",
		"-ch_layout", "mono",
		"-ar", fmt.Sprint(s.sampleRate),
		"-i", "-",
	}
}

func (s *ffplaySink) ensureRunningLocked() error {
	if s.cmd != nil {
		return nil
	}
	cmd := exec.Command(s.path, s.args()...)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		// SDL may otherwise pick a silent dummy backend.
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return fmt.Errorf("start %s: %w", s.path, err)
	}
	s.cmd, s.stdin = cmd, stdin
	go func() {
		_ = cmd.Wait()
		s.mu.Lock()
		if s.cmd == cmd {
			s.cmd, s.stdin = nil, nil
		}
		s.mu.Unlock()
	}()
	return nil
}

func (s *ffplaySink) Play(ctx context.Context, syn *tts.Synthesis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(syn.Audio) == 0 {
		return nil
	}
	s.mu.Lock()
	if err := s.ensureRunningLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	_, err := s.stdin.Write(syn.Audio)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("write to player: %w", err)
	}
	return s.sleep(ctx, pcmDuration(len(syn.Audio), s.sampleRate))
}

func (s *ffplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	s.cmd, s.stdin = nil, nil
	return nil
}

// pcmDuration is the playing time of n bytes of 16-bit mono audio.
func pcmDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n/2) * time.Second / time.Duration(sampleRate)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
