// Package pipeline runs grammar correction, translation and broadcast dispatch
// for each flushed chunk.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
)

// Corrector fixes grammar in recognized text. Failures are tolerated.
type Corrector interface {
	Correct(ctx context.Context, text, language string) (string, error)
}

// Translator translates text into targetLanguage.
type Translator interface {
	Translate(ctx context.Context, text, sourceLanguage, targetLanguage string) (string, error)
}

// Stage names a pipeline step.
type Stage string

const (
	StageGrammar     Stage = "grammar"
	StageTranslation Stage = "translation"
	StageDispatch    Stage = "dispatch"
)

// Kind is the outcome of one chunk.
type Kind int

const (
	Delivered Kind = iota
	Failed
)

func (k Kind) String() string {
	if k == Failed {
		return "failed"
	}
	return "delivered"
}

// Translation is one target-language rendition of a chunk.
type Translation struct {
	Language string `json:"language"`
	Text     string `json:"text"`
}

// Timings are per-stage latencies of one chunk.
type Timings struct {
	Grammar     time.Duration
	Translation time.Duration
	Dispatch    time.Duration
	Total       time.Duration
}

// Result is what Process returns for every chunk. It never panics or returns an
// error separately; failures are described by Kind, Stage and Err.
type Result struct {
	Kind          Kind
	Chunk         segment.Chunk
	Stage         Stage // failing stage when Kind is Failed
	CorrectedText string
	Translations  []Translation
	GrammarFailed bool
	Err           error
	Timings       Timings
}

// Input is one chunk plus the session context needed to process it.
type Input struct {
	SessionID      string
	SourceLanguage string
	Chunk          segment.Chunk
	// Targets overrides the configured target languages when non-empty.
	Targets []string
}

// Options configures a Pipeline.
type Options struct {
	Corrector       Corrector // optional
	Translator      Translator
	Dispatcher      *Dispatcher
	TargetLanguages []string
	Recorder        Recorder
	Clock           sched.Clock
	Logger          *slog.Logger
}

// Pipeline processes chunks. It holds no per-chunk state and does not retry;
// callers serialize chunks to keep flush order.
type Pipeline struct {
	corrector  Corrector
	translator Translator
	dispatcher *Dispatcher
	targets    []string
	recorder   Recorder
	clock      sched.Clock
	logger     *slog.Logger
}

// New builds a pipeline. Translator and Dispatcher are required.
func New(opts Options) (*Pipeline, error) {
	if opts.Translator == nil {
		return nil, errors.New("pipeline: translator is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("pipeline: dispatcher is required")
	}
	p := &Pipeline{
		corrector:  opts.Corrector,
		translator: opts.Translator,
		dispatcher: opts.Dispatcher,
		targets:    append([]string(nil), opts.TargetLanguages...),
		recorder:   opts.Recorder,
		clock:      sched.OrReal(opts.Clock),
		logger:     opts.Logger,
	}
	if p.recorder == nil {
		p.recorder = NopRecorder{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p, nil
}

// Dispatcher returns the pipeline's dispatcher.
func (p *Pipeline) Dispatcher() *Dispatcher { return p.dispatcher }

type job struct {
	in           Input
	targets      []string
	text         string
	grammarFail  bool
	translations []Translation
	timings      Timings
}

// stepResult is the success or failure variant of one step.
type stepResult struct {
	err error
}

func (r stepResult) failed() bool { return r.err != nil }

func proceed() stepResult        { return stepResult{} }
func abort(err error) stepResult { return stepResult{err: err} }

type step struct {
	stage Stage
	run   func(ctx context.Context, j *job) stepResult
}

// Process runs the stages in order and stops at the first failing one.
func (p *Pipeline) Process(ctx context.Context, in Input) Result {
	start := p.clock.Now()
	j := &job{
		in:      in,
		targets: p.targetsFor(in),
		text:    in.Chunk.Text,
	}
	steps := []step{
		{StageGrammar, p.correct},
		{StageTranslation, p.translate},
		{StageDispatch, p.dispatch},
	}

	res := Result{Kind: Delivered, Chunk: in.Chunk}
	for _, s := range steps {
		if r := s.run(ctx, j); r.failed() {
			res.Kind = Failed
			res.Stage = s.stage
			res.Err = r.err
			break
		}
	}
	j.timings.Total = p.clock.Now().Sub(start)
	res.CorrectedText = j.text
	res.Translations = j.translations
	res.GrammarFailed = j.grammarFail
	res.Timings = j.timings

	if res.Kind == Failed {
		p.logger.Warn("chunk failed",
			"session_id", in.SessionID,
			"seq", in.Chunk.Seq,
			"stage", res.Stage,
			"error", res.Err,
		)
	} else {
		p.logger.Debug("chunk delivered",
			"session_id", in.SessionID,
			"seq", in.Chunk.Seq,
			"languages", len(res.Translations),
			"total", res.Timings.Total,
		)
	}
	p.recorder.ObserveChunk(in, res)
	return res
}

func (p *Pipeline) targetsFor(in Input) []string {
	src := in.Targets
	if len(src) == 0 {
		src = p.targets
	}
	seen := make(map[string]struct{}, len(src))
	out := make([]string, 0, len(src))
	for _, lang := range src {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if _, ok := seen[lang]; ok {
			continue
		}
		seen[lang] = struct{}{}
		out = append(out, lang)
	}
	return out
}

// correct is best-effort: any failure keeps the original text.
func (p *Pipeline) correct(ctx context.Context, j *job) stepResult {
	if p.corrector == nil {
		return proceed()
	}
	start := p.clock.Now()
	corrected, err := p.corrector.Correct(ctx, j.text, j.in.SourceLanguage)
	j.timings.Grammar = p.clock.Now().Sub(start)
	p.recorder.ObserveStage(StageGrammar, j.timings.Grammar, err)
	if err != nil {
		j.grammarFail = true
		p.logger.Warn("grammar correction failed, using original text",
			"session_id", j.in.SessionID,
			"seq", j.in.Chunk.Seq,
			"error", err,
		)
		return proceed()
	}
	if corrected = strings.TrimSpace(corrected); corrected != "" {
		j.text = corrected
	}
	return proceed()
}

func (p *Pipeline) translate(ctx context.Context, j *job) stepResult {
	if len(j.targets) == 0 {
		return abort(errors.New("no target languages"))
	}
	start := p.clock.Now()
	out := make([]Translation, 0, len(j.targets))
	var err error
	for _, target := range j.targets {
		if SameLanguage(j.in.SourceLanguage, target) {
			out = append(out, Translation{Language: target, Text: j.text})
			continue
		}
		var text string
		text, err = p.translator.Translate(ctx, j.text, j.in.SourceLanguage, target)
		if err == nil && strings.TrimSpace(text) == "" {
			err = errors.New("empty translation")
		}
		if err != nil {
			err = fmt.Errorf("translate to %s: %w", target, err)
			break
		}
		out = append(out, Translation{Language: target, Text: strings.TrimSpace(text)})
	}
	j.timings.Translation = p.clock.Now().Sub(start)
	p.recorder.ObserveStage(StageTranslation, j.timings.Translation, err)
	if err != nil {
		return abort(err)
	}
	j.translations = out
	return proceed()
}

func (p *Pipeline) dispatch(ctx context.Context, j *job) stepResult {
	start := p.clock.Now()
	err := p.dispatcher.Dispatch(ctx, Delivery{
		SessionID:      j.in.SessionID,
		Seq:            j.in.Chunk.Seq,
		SourceLanguage: j.in.SourceLanguage,
		SourceText:     j.text,
		Translations:   j.translations,
		Timestamp:      p.clock.Now(),
	})
	j.timings.Dispatch = p.clock.Now().Sub(start)
	p.recorder.ObserveStage(StageDispatch, j.timings.Dispatch, err)
	if err != nil {
		return abort(err)
	}
	return proceed()
}

// SameLanguage compares the primary subtags of two language codes, so "en-US"
// and "en" match.
func SameLanguage(a, b string) bool {
	base := func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if i := strings.IndexAny(s, "-_"); i >= 0 {
			s = s[:i]
		}
		return s
	}
	x, y := base(a), base(b)
	return x != "" && x == y
}
