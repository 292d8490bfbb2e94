package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/sched"
	"github.com/vango-go/vai-interpret/pkg/core/segment"
)

type fakeTranslator struct {
	mu    sync.Mutex
	fail  map[string]error // keyed by source text
	calls []string
}

func (f *fakeTranslator) Translate(ctx context.Context, text, source, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target+":"+text)
	if err := f.fail[text]; err != nil {
		return "", err
	}
	return "[" + target + "] " + text, nil
}

type fakeCorrector struct {
	err error
}

func (f fakeCorrector) Correct(ctx context.Context, text, lang string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return strings.ToUpper(text[:1]) + text[1:], nil
}

type sentLog struct {
	mu  sync.Mutex
	got []Delivery
	err error
}

func (s *sentLog) Send(ctx context.Context, d Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.got = append(s.got, d)
	return nil
}

type countingRecorder struct {
	stages map[Stage]int
	fails  map[Stage]int
	chunks []Result
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{stages: map[Stage]int{}, fails: map[Stage]int{}}
}

func (r *countingRecorder) ObserveStage(stage Stage, d time.Duration, err error) {
	r.stages[stage]++
	if err != nil {
		r.fails[stage]++
	}
}

func (r *countingRecorder) ObserveChunk(in Input, res Result) { r.chunks = append(r.chunks, res) }

func chunk(seq uint64, text string) segment.Chunk {
	return segment.Chunk{Seq: seq, Text: text, Reason: segment.ReasonPunctuation}
}

func newTestPipeline(t *testing.T, tr Translator, c Corrector, sender Sender, targets ...string) (*Pipeline, *countingRecorder) {
	t.Helper()
	rec := newCountingRecorder()
	clk := sched.NewFakeClock(time.Unix(0, 0))
	p, err := New(Options{
		Corrector:       c,
		Translator:      tr,
		Dispatcher:      NewDispatcher(sender, time.Second, 0, clk, nil),
		TargetLanguages: targets,
		Recorder:        rec,
		Clock:           clk,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, rec
}

func TestPipeline_DeliversAllTargets(t *testing.T) {
	tr := &fakeTranslator{}
	sent := &sentLog{}
	p, rec := newTestPipeline(t, tr, fakeCorrector{}, sent, "es", "fr", "es")

	res := p.Process(context.Background(), Input{SessionID: "s1", SourceLanguage: "en", Chunk: chunk(1, "hello there.")})
	if res.Kind != Delivered {
		t.Fatalf("kind=%s err=%v", res.Kind, res.Err)
	}
	if res.CorrectedText != "Hello there." {
		t.Fatalf("corrected=%q", res.CorrectedText)
	}
	if len(res.Translations) != 2 || res.Translations[0].Text != "[es] Hello there." || res.Translations[1].Language != "fr" {
		t.Fatalf("translations=%+v", res.Translations)
	}
	if len(sent.got) != 1 || sent.got[0].Seq != 1 || sent.got[0].SessionID != "s1" {
		t.Fatalf("sent=%+v", sent.got)
	}
	if rec.stages[StageGrammar] != 1 || rec.stages[StageTranslation] != 1 || rec.stages[StageDispatch] != 1 {
		t.Fatalf("stages=%v", rec.stages)
	}
	if len(rec.chunks) != 1 {
		t.Fatalf("chunks=%d", len(rec.chunks))
	}
}

func TestPipeline_GrammarFailureFallsBackToOriginal(t *testing.T) {
	sent := &sentLog{}
	p, rec := newTestPipeline(t, &fakeTranslator{}, fakeCorrector{err: errors.New("grammar down")}, sent, "de")

	res := p.Process(context.Background(), Input{SourceLanguage: "en", Chunk: chunk(1, "as is")})
	if res.Kind != Delivered {
		t.Fatalf("kind=%s err=%v", res.Kind, res.Err)
	}
	if !res.GrammarFailed || res.CorrectedText != "as is" {
		t.Fatalf("res=%+v", res)
	}
	if rec.fails[StageGrammar] != 1 {
		t.Fatalf("grammar failures=%d", rec.fails[StageGrammar])
	}
}

// A failing translation drops the chunk without dispatching it; the next chunk
// goes through normally.
func TestPipeline_TranslationFailureDropsChunk(t *testing.T) {
	tr := &fakeTranslator{fail: map[string]error{"bad chunk.": errors.New("quota")}}
	sent := &sentLog{}
	p, rec := newTestPipeline(t, tr, nil, sent, "es")

	res := p.Process(context.Background(), Input{SourceLanguage: "en", Chunk: chunk(1, "bad chunk.")})
	if res.Kind != Failed || res.Stage != StageTranslation {
		t.Fatalf("res=%+v", res)
	}
	if len(sent.got) != 0 {
		t.Fatalf("failed chunk was dispatched: %+v", sent.got)
	}

	res = p.Process(context.Background(), Input{SourceLanguage: "en", Chunk: chunk(2, "good chunk.")})
	if res.Kind != Delivered {
		t.Fatalf("second chunk: %+v", res)
	}
	if len(sent.got) != 1 || sent.got[0].Seq != 2 {
		t.Fatalf("sent=%+v", sent.got)
	}
	if rec.fails[StageTranslation] != 1 || rec.stages[StageDispatch] != 1 {
		t.Fatalf("stages=%v fails=%v", rec.stages, rec.fails)
	}
}

func TestPipeline_SameLanguageSkipsTranslator(t *testing.T) {
	tr := &fakeTranslator{}
	p, _ := newTestPipeline(t, tr, nil, &sentLog{}, "en-GB", "es")

	res := p.Process(context.Background(), Input{SourceLanguage: "en-US", Chunk: chunk(1, "colour")})
	if res.Kind != Delivered {
		t.Fatalf("res=%+v", res)
	}
	if len(tr.calls) != 1 || tr.calls[0] != "es:colour" {
		t.Fatalf("calls=%v", tr.calls)
	}
	if res.Translations[0].Text != "colour" {
		t.Fatalf("translations=%+v", res.Translations)
	}
}

func TestPipeline_InputTargetsOverrideConfig(t *testing.T) {
	tr := &fakeTranslator{}
	p, _ := newTestPipeline(t, tr, nil, &sentLog{}, "es")

	res := p.Process(context.Background(), Input{SourceLanguage: "en", Targets: []string{"ja"}, Chunk: chunk(1, "hi")})
	if len(res.Translations) != 1 || res.Translations[0].Language != "ja" {
		t.Fatalf("translations=%+v", res.Translations)
	}
}

func TestPipeline_NoTargetsFails(t *testing.T) {
	p, _ := newTestPipeline(t, &fakeTranslator{}, nil, &sentLog{})
	res := p.Process(context.Background(), Input{SourceLanguage: "en", Chunk: chunk(1, "hi")})
	if res.Kind != Failed || res.Stage != StageTranslation {
		t.Fatalf("res=%+v", res)
	}
}

func TestPipeline_DispatchFailure(t *testing.T) {
	sent := &sentLog{err: errors.New("socket closed")}
	p, _ := newTestPipeline(t, &fakeTranslator{}, nil, sent, "es")

	res := p.Process(context.Background(), Input{SourceLanguage: "en", Chunk: chunk(1, "hi")})
	if res.Kind != Failed || res.Stage != StageDispatch {
		t.Fatalf("res=%+v", res)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Options{Dispatcher: NewDispatcher(&sentLog{}, 0, 0, nil, nil)}); err == nil {
		t.Fatal("expected error without translator")
	}
	if _, err := New(Options{Translator: &fakeTranslator{}}); err == nil {
		t.Fatal("expected error without dispatcher")
	}
}

func TestDispatcher_CooldownThenReady(t *testing.T) {
	clk := sched.NewFakeClock(time.Unix(0, 0))
	sent := &sentLog{err: errors.New("boom")}
	d := NewDispatcher(sent, time.Second, 2*time.Second, clk, nil)

	if err := d.Dispatch(context.Background(), Delivery{Seq: 1}); err == nil {
		t.Fatal("expected error")
	}
	if d.Status() != DispatchCooldown {
		t.Fatalf("status=%s", d.Status())
	}

	sent.mu.Lock()
	sent.err = nil
	sent.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- d.Dispatch(context.Background(), Delivery{Seq: 2}) }()
	select {
	case err := <-done:
		t.Fatalf("dispatch ran during cool-down: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	clk.Advance(2 * time.Second)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dispatch did not resume after cool-down")
	}
	if d.Status() != DispatchReady {
		t.Fatalf("status=%s", d.Status())
	}
	sent.mu.Lock()
	defer sent.mu.Unlock()
	if len(sent.got) != 1 || sent.got[0].Seq != 2 {
		t.Fatalf("sent=%+v, want the delayed chunk delivered", sent.got)
	}
}

// eagerClock fires every timer on its own goroutine right away.
type eagerClock struct {
	fired chan struct{}
}

func (c eagerClock) Now() time.Time { return time.Now() }

func (c eagerClock) AfterFunc(_ time.Duration, f func()) sched.Timer {
	go func() {
		f()
		c.fired <- struct{}{}
	}()
	return time.NewTimer(time.Hour)
}

func TestDispatcher_CooldownEndingEarlyLeavesReady(t *testing.T) {
	clk := eagerClock{fired: make(chan struct{}, 1)}
	d := NewDispatcher(&sentLog{err: errors.New("boom")}, time.Second, time.Millisecond, clk, nil)

	if err := d.Dispatch(context.Background(), Delivery{Seq: 1}); err == nil {
		t.Fatal("expected error")
	}
	select {
	case <-clk.fired:
	case <-time.After(time.Second):
		t.Fatal("cool-down timer never fired")
	}
	if d.Status() != DispatchReady {
		t.Fatalf("status=%s after cool-down ended", d.Status())
	}
}

func TestDispatcher_Timeout(t *testing.T) {
	d := NewDispatcher(SenderFunc(func(ctx context.Context, _ Delivery) error {
		<-ctx.Done()
		return ctx.Err()
	}), 10*time.Millisecond, 0, nil, nil)

	err := d.Dispatch(context.Background(), Delivery{Seq: 7})
	if !errors.Is(err, ErrDispatchTimeout) {
		t.Fatalf("err=%v", err)
	}
	if d.Status() != DispatchReady {
		t.Fatalf("status=%s", d.Status())
	}
}
