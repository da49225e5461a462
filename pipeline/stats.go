package pipeline

import (
	"math"
	"time"
)

// ProcessingStats is one per-chunk status emission.
type ProcessingStats struct {
	// BufferSeconds is the audio queued between capture and the worker.
	BufferSeconds float64
	// CPURatioPercent is the chunk's processing time relative to its
	// real-time duration; above 100 the worker is behind real time.
	CPURatioPercent int
	// OverrunCount counts chunks whose processing exceeded their
	// real-time budget, monotonically over the session.
	OverrunCount uint64
}

// StatusReporter derives ProcessingStats from per-chunk timing samples.
type StatusReporter struct {
	chunkSeconds float64
	overruns     uint64
}

// NewStatusReporter creates a reporter for a fixed chunk duration.
func NewStatusReporter(chunkSeconds float64) *StatusReporter {
	return &StatusReporter{chunkSeconds: chunkSeconds}
}

// Sample records one chunk cycle and returns the resulting stats.
// queuedChunks is the bounded queue's occupancy after the cycle.
func (r *StatusReporter) Sample(cycle time.Duration, queuedChunks int) ProcessingStats {
	ratio := 0
	if r.chunkSeconds > 0 {
		// Ceiling so any cycle past the budget reads above 100.
		ratio = int(math.Ceil(cycle.Seconds() / r.chunkSeconds * 100))
	}
	if cycle.Seconds() > r.chunkSeconds {
		r.overruns++
	}
	return ProcessingStats{
		BufferSeconds:   float64(queuedChunks) * r.chunkSeconds,
		CPURatioPercent: ratio,
		OverrunCount:    r.overruns,
	}
}

// Overruns returns the session's overrun counter.
func (r *StatusReporter) Overruns() uint64 { return r.overruns }

// Reset clears the overrun counter for a new session.
func (r *StatusReporter) Reset() { r.overruns = 0 }
