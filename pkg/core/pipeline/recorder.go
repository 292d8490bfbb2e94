package pipeline

import "time"

// Recorder observes pipeline latencies and outcomes. Implementations must not
// block.
type Recorder interface {
	ObserveStage(stage Stage, d time.Duration, err error)
	ObserveChunk(in Input, res Result)
}

// NopRecorder discards observations.
type NopRecorder struct{}

func (NopRecorder) ObserveStage(Stage, time.Duration, error) {}
func (NopRecorder) ObserveChunk(Input, Result)               {}

// MultiRecorder fans observations out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) ObserveStage(stage Stage, d time.Duration, err error) {
	for _, r := range m {
		if r != nil {
			r.ObserveStage(stage, d, err)
		}
	}
}

func (m MultiRecorder) ObserveChunk(in Input, res Result) {
	for _, r := range m {
		if r != nil {
			r.ObserveChunk(in, res)
		}
	}
}
