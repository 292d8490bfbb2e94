package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

func TestMetrics_PipelineRecorder(t *testing.T) {
	m := New("test")
	var rec pipeline.Recorder = m

	rec.ObserveStage(pipeline.StageTranslation, 200*time.Millisecond, errors.New("boom"))
	rec.ObserveStage(pipeline.StageGrammar, 50*time.Millisecond, nil)
	rec.ObserveChunk(pipeline.Input{}, pipeline.Result{Kind: pipeline.Failed, Stage: pipeline.StageTranslation})
	m.RecordFlush("punctuation")
	m.RecordForward("translation", 3)
	m.RecordEviction()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	out := string(body)

	for _, want := range []string{
		`test_pipeline_stage_failures_total{stage="translation"} 1`,
		`test_pipeline_chunks_total{outcome="failed"} 1`,
		`test_segment_flushes_total{reason="punctuation"} 1`,
		`test_relay_frames_forwarded_total{type="translation"} 3`,
		`test_relay_heartbeat_evictions_total 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveStage(pipeline.StageDispatch, time.Second, nil)
	m.ObserveChunk(pipeline.Input{}, pipeline.Result{})
	m.RecordConnectionOpen()
	m.RecordForward("x", 1)
}
