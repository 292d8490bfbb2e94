package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

var _ pipeline.Recorder = (*Writer)(nil)

type WriterConfig struct {
	Queue         int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Queue:         1024,
		BatchSize:     64,
		FlushInterval: 2 * time.Second,
		WriteTimeout:  5 * time.Second,
	}
}

// Writer is a pipeline.Recorder that queues rows and writes them in batches on
// its own goroutine. When the queue is full rows are dropped and counted; the
// pipeline is never blocked.
type Writer struct {
	cfg    WriterConfig
	store  Store
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	rows   chan Row
	done   chan struct{}

	dropped atomic.Int64
	failed  atomic.Int64
}

func NewWriter(store Store, cfg WriterConfig, logger *slog.Logger) *Writer {
	def := DefaultWriterConfig()
	if cfg.Queue <= 0 {
		cfg.Queue = def.Queue
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Writer{
		cfg:    cfg,
		store:  store,
		logger: logger,
		rows:   make(chan Row, cfg.Queue),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) ObserveStage(pipeline.Stage, time.Duration, error) {}

func (w *Writer) ObserveChunk(in pipeline.Input, res pipeline.Result) {
	w.Record(rowFor(in, res))
}

// Record queues r without blocking.
func (w *Writer) Record(r Row) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.rows <- r:
	default:
		if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
			w.logger.Warn("analytics queue full, dropping rows", "dropped_total", n)
		}
	}
}

// Dropped returns how many rows were discarded because the queue was full.
func (w *Writer) Dropped() int64 { return w.dropped.Load() }

// Failed returns how many rows were lost to write errors.
func (w *Writer) Failed() int64 { return w.failed.Load() }

// Close stops accepting rows, writes what is queued and waits for the writer
// goroutine until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.rows)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Row, 0, w.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
		err := w.store.InsertChunks(ctx, batch)
		cancel()
		if err != nil {
			w.failed.Add(int64(len(batch)))
			w.logger.Warn("analytics write failed", "rows", len(batch), "error", err)
		}
		batch = batch[:0]
	}
	for {
		select {
		case r, ok := <-w.rows:
			if !ok {
				flush()
				return
			}
			batch = append(batch, r)
			if len(batch) >= w.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func rowFor(in pipeline.Input, res pipeline.Result) Row {
	r := Row{
		SessionID:      in.SessionID,
		Seq:            in.Chunk.Seq,
		Reason:         string(in.Chunk.Reason),
		Outcome:        res.Kind.String(),
		SourceLanguage: in.SourceLanguage,
		Targets:        len(in.Targets),
		Delivered:      len(res.Translations),
		GrammarFailed:  res.GrammarFailed,
		Chars:          utf8.RuneCountInString(in.Chunk.Text),
		Grammar:        res.Timings.Grammar,
		Translation:    res.Timings.Translation,
		Dispatch:       res.Timings.Dispatch,
		Total:          res.Timings.Total,
		FlushedAt:      in.Chunk.FlushedAt,
	}
	if res.Kind == pipeline.Failed {
		r.FailedStage = string(res.Stage)
		r.Delivered = 0
	}
	return r
}
