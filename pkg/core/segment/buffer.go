// Package segment accumulates final transcript text and decides when to flush it
// as a chunk for translation.
package segment

import (
	"log/slog"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/vango-go/vai-interpret/pkg/core/types"
)

// Reason records which trigger produced a chunk. It is kept for analytics.
type Reason string

const (
	ReasonPunctuation Reason = "punctuation"
	ReasonTimer       Reason = "timer"
	ReasonForce       Reason = "force"
	ReasonStop        Reason = "stop"
)

// Chunk is the text emitted by one flush.
type Chunk struct {
	Seq       uint64    `json:"seq"`
	Text      string    `json:"text"`
	Reason    Reason    `json:"reason"`
	FlushedAt time.Time `json:"flushed_at"`
}

// Config bounds how long and how much text may stay pending.
type Config struct {
	// FlushInterval flushes text that has been pending this long, punctuated or not.
	FlushInterval time.Duration
	// ForceCheckInterval is how often Tick evaluates the size limits.
	ForceCheckInterval time.Duration
	// MaxPendingChars and MaxPendingSentences trigger a force flush when exceeded.
	MaxPendingChars     int
	MaxPendingSentences int
	// HardLimitChars force-flushes inside Update, without waiting for a tick.
	HardLimitChars int
	// PunctuationMinSentences is the number of complete sentences required
	// before a punctuation flush happens.
	PunctuationMinSentences int
}

// DefaultConfig returns the production flush settings.
func DefaultConfig() Config {
	return Config{
		FlushInterval:           15 * time.Second,
		ForceCheckInterval:      5 * time.Second,
		MaxPendingChars:         600,
		MaxPendingSentences:     6,
		HardLimitChars:          2400,
		PunctuationMinSentences: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = def.FlushInterval
	}
	if c.ForceCheckInterval <= 0 {
		c.ForceCheckInterval = def.ForceCheckInterval
	}
	if c.MaxPendingChars <= 0 {
		c.MaxPendingChars = def.MaxPendingChars
	}
	if c.MaxPendingSentences <= 0 {
		c.MaxPendingSentences = def.MaxPendingSentences
	}
	if c.HardLimitChars <= 0 {
		c.HardLimitChars = 4 * c.MaxPendingChars
	}
	if c.PunctuationMinSentences <= 0 {
		c.PunctuationMinSentences = def.PunctuationMinSentences
	}
	return c
}

// Buffer is the per-speaker pending transcript. It is not safe for concurrent
// use; the engine loop owns it.
type Buffer struct {
	cfg    Config
	now    func() time.Time
	logger *slog.Logger

	pending        string
	sentences      int
	pendingSince   time.Time
	lastForceCheck time.Time
	interim        string
	seq            uint64
}

// New creates an empty buffer. now defaults to time.Now.
func New(cfg Config, now func() time.Time, logger *slog.Logger) *Buffer {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		cfg:            cfg.withDefaults(),
		now:            now,
		logger:         logger,
		lastForceCheck: now(),
	}
}

// Update merges a recognition result. Partial results only replace the interim
// preview; final results are appended and may trigger a punctuation flush.
func (b *Buffer) Update(f types.TranscriptFragment) (Chunk, bool) {
	text := normalizeSpace(f.Text)
	if text == "" {
		return Chunk{}, false
	}
	if !f.IsFinal {
		b.interim = text
		return Chunk{}, false
	}
	b.interim = ""

	if b.pending == "" {
		b.pending = text
		b.pendingSince = b.now()
	} else {
		b.pending += " " + text
	}
	b.sentences = countSentenceEnds(b.pending)

	if utf8.RuneCountInString(b.pending) > b.cfg.HardLimitChars {
		b.logger.Warn("segment buffer over hard limit, force flushing",
			"chars", utf8.RuneCountInString(b.pending),
			"limit", b.cfg.HardLimitChars,
		)
		return b.Flush(ReasonForce)
	}

	if b.sentences < b.cfg.PunctuationMinSentences {
		return Chunk{}, false
	}
	cut := lastSentenceEnd(b.pending)
	if cut <= 0 {
		return Chunk{}, false
	}

	head := strings.TrimSpace(b.pending[:cut])
	rest := strings.TrimSpace(b.pending[cut:])
	b.pending = rest
	b.sentences = countSentenceEnds(rest)
	if rest == "" {
		b.pendingSince = time.Time{}
	}
	return b.emit(head, ReasonPunctuation), true
}

// Tick evaluates the time and size triggers. Call it periodically.
func (b *Buffer) Tick() (Chunk, bool) {
	if b.pending == "" {
		return Chunk{}, false
	}
	now := b.now()

	if now.Sub(b.pendingSince) >= b.cfg.FlushInterval {
		return b.Flush(ReasonTimer)
	}

	if now.Sub(b.lastForceCheck) >= b.cfg.ForceCheckInterval {
		b.lastForceCheck = now
		chars := utf8.RuneCountInString(b.pending)
		if chars > b.cfg.MaxPendingChars || b.sentences > b.cfg.MaxPendingSentences {
			b.logger.Warn("segment buffer over limit, force flushing",
				"chars", chars,
				"sentences", b.sentences,
				"max_chars", b.cfg.MaxPendingChars,
				"max_sentences", b.cfg.MaxPendingSentences,
			)
			return b.Flush(ReasonForce)
		}
	}
	return Chunk{}, false
}

// Flush returns everything pending and clears the buffer.
func (b *Buffer) Flush(reason Reason) (Chunk, bool) {
	text := strings.TrimSpace(b.pending)
	b.pending = ""
	b.sentences = 0
	b.pendingSince = time.Time{}
	if text == "" {
		return Chunk{}, false
	}
	return b.emit(text, reason), true
}

// Reset drops pending and interim text without emitting it.
func (b *Buffer) Reset() {
	b.pending = ""
	b.sentences = 0
	b.pendingSince = time.Time{}
	b.interim = ""
}

// Pending returns the accumulated final text.
func (b *Buffer) Pending() string { return b.pending }

// PendingChars returns the pending character count.
func (b *Buffer) PendingChars() int { return utf8.RuneCountInString(b.pending) }

// PendingSentences returns the number of complete sentences pending.
func (b *Buffer) PendingSentences() int { return b.sentences }

// Interim returns the latest partial result, if any.
func (b *Buffer) Interim() string { return b.interim }

// Seq returns the sequence number of the last emitted chunk.
func (b *Buffer) Seq() uint64 { return b.seq }

func (b *Buffer) emit(text string, reason Reason) Chunk {
	b.seq++
	return Chunk{
		Seq:       b.seq,
		Text:      text,
		Reason:    reason,
		FlushedAt: b.now(),
	}
}

func isTerminator(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？', '…':
		return true
	}
	return false
}

// isWideTerminator reports terminators used by scripts written without spaces.
func isWideTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '…':
		return true
	}
	return false
}

// sentenceEnds returns the byte offsets just past each sentence terminator.
// ASCII terminators only count when followed by whitespace or the end of text.
func sentenceEnds(s string) []int {
	var ends []int
	for i, r := range s {
		if !isTerminator(r) {
			continue
		}
		next := i + utf8.RuneLen(r)
		if isWideTerminator(r) {
			if next < len(s) {
				nr, _ := utf8.DecodeRuneInString(s[next:])
				if isTerminator(nr) {
					continue
				}
			}
			ends = append(ends, next)
			continue
		}
		if next >= len(s) {
			ends = append(ends, next)
			continue
		}
		nr, _ := utf8.DecodeRuneInString(s[next:])
		if unicode.IsSpace(nr) {
			ends = append(ends, next)
		}
	}
	return ends
}

func countSentenceEnds(s string) int {
	return len(sentenceEnds(s))
}

func lastSentenceEnd(s string) int {
	ends := sentenceEnds(s)
	if len(ends) == 0 {
		return -1
	}
	return ends[len(ends)-1]
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
