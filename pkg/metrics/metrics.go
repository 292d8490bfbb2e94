// Package metrics exposes Prometheus metrics for the interpretation engine and
// the session relay.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vango-go/vai-interpret/pkg/core/pipeline"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Pipeline metrics
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	ChunksTotal   *prometheus.CounterVec
	EndToEnd      prometheus.Histogram

	// Segmentation metrics
	FlushesTotal *prometheus.CounterVec

	// Recognition metrics
	RecognitionRestarts *prometheus.CounterVec
	RecognitionAborts   *prometheus.CounterVec

	// Relay metrics
	RelayConnections   prometheus.Gauge
	RelaySessions      prometheus.Gauge
	FramesForwarded    *prometheus.CounterVec
	HeartbeatEvictions prometheus.Counter
	SlowConsumers      prometheus.Counter
	MalformedFrames    prometheus.Counter
}

// New creates a Metrics instance with every collector registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_interpret"
	}

	registry := prometheus.NewRegistry()

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Pipeline stage latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	stageFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_failures_total",
			Help:      "Pipeline stage failures",
		},
		[]string{"stage"},
	)

	chunksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_chunks_total",
			Help:      "Chunks processed by outcome",
		},
		[]string{"outcome"},
	)

	endToEnd := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_end_to_end_seconds",
			Help:      "Flush to broadcast latency in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		},
	)

	flushesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "segment_flushes_total",
			Help:      "Segmentation buffer flushes by reason",
		},
		[]string{"reason"},
	)

	recognitionRestarts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_restarts_total",
			Help:      "Recognition restarts after transient errors",
		},
		[]string{"kind"},
	)

	recognitionAborts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recognition_aborts_total",
			Help:      "Recognition sessions aborted",
		},
		[]string{"kind"},
	)

	relayConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_connections",
			Help:      "Open relay WebSocket connections",
		},
	)

	relaySessions := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "relay_sessions",
			Help:      "Sessions with at least one member",
		},
	)

	framesForwarded := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_frames_forwarded_total",
			Help:      "Frames fanned out to peers",
		},
		[]string{"type"},
	)

	heartbeatEvictions := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_heartbeat_evictions_total",
			Help:      "Connections closed for missing pongs or staleness",
		},
	)

	slowConsumers := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_slow_consumers_total",
			Help:      "Connections closed because their send queue was full",
		},
	)

	malformedFrames := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_malformed_frames_total",
			Help:      "Frames that could not be parsed (still forwarded)",
		},
	)

	registry.MustRegister(
		stageDuration,
		stageFailures,
		chunksTotal,
		endToEnd,
		flushesTotal,
		recognitionRestarts,
		recognitionAborts,
		relayConnections,
		relaySessions,
		framesForwarded,
		heartbeatEvictions,
		slowConsumers,
		malformedFrames,
	)

	return &Metrics{
		registry:            registry,
		StageDuration:       stageDuration,
		StageFailures:       stageFailures,
		ChunksTotal:         chunksTotal,
		EndToEnd:            endToEnd,
		FlushesTotal:        flushesTotal,
		RecognitionRestarts: recognitionRestarts,
		RecognitionAborts:   recognitionAborts,
		RelayConnections:    relayConnections,
		RelaySessions:       relaySessions,
		FramesForwarded:     framesForwarded,
		HeartbeatEvictions:  heartbeatEvictions,
		SlowConsumers:       slowConsumers,
		MalformedFrames:     malformedFrames,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStage implements pipeline.Recorder.
func (m *Metrics) ObserveStage(stage pipeline.Stage, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(string(stage)).Observe(d.Seconds())
	if err != nil {
		m.StageFailures.WithLabelValues(string(stage)).Inc()
	}
}

// ObserveChunk implements pipeline.Recorder.
func (m *Metrics) ObserveChunk(in pipeline.Input, res pipeline.Result) {
	if m == nil {
		return
	}
	m.ChunksTotal.WithLabelValues(res.Kind.String()).Inc()
	if res.Kind == pipeline.Delivered {
		m.EndToEnd.Observe(res.Timings.Total.Seconds())
	}
}

// RecordFlush counts a segmentation flush.
func (m *Metrics) RecordFlush(reason string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(reason).Inc()
}

// RecordRecognitionRestart counts a restart after a transient error.
func (m *Metrics) RecordRecognitionRestart(kind string) {
	if m == nil {
		return
	}
	m.RecognitionRestarts.WithLabelValues(kind).Inc()
}

// RecordRecognitionAbort counts an aborted recognition session.
func (m *Metrics) RecordRecognitionAbort(kind string) {
	if m == nil {
		return
	}
	m.RecognitionAborts.WithLabelValues(kind).Inc()
}

// RecordConnectionOpen records a new relay connection.
func (m *Metrics) RecordConnectionOpen() {
	if m == nil {
		return
	}
	m.RelayConnections.Inc()
}

// RecordConnectionClose records a closed relay connection.
func (m *Metrics) RecordConnectionClose() {
	if m == nil {
		return
	}
	m.RelayConnections.Dec()
}

// SetSessions sets the active session gauge.
func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.RelaySessions.Set(float64(n))
}

// RecordForward counts frames delivered to peers.
func (m *Metrics) RecordForward(frameType string, peers int) {
	if m == nil || peers <= 0 {
		return
	}
	if frameType == "" {
		frameType = "unknown"
	}
	m.FramesForwarded.WithLabelValues(frameType).Add(float64(peers))
}

// RecordEviction counts a heartbeat eviction.
func (m *Metrics) RecordEviction() {
	if m == nil {
		return
	}
	m.HeartbeatEvictions.Inc()
}

// RecordSlowConsumer counts a connection closed for back-pressure.
func (m *Metrics) RecordSlowConsumer() {
	if m == nil {
		return
	}
	m.SlowConsumers.Inc()
}

// RecordMalformed counts an unparseable frame.
func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}
