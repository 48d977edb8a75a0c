package loop

import (
	"math"
	"sync/atomic"
)

// fpsSampleWindow is the number of frames the actual-FPS EMA effectively
// averages over.
const fpsSampleWindow = 60

// Stats tracks loop performance counters. All fields are atomics so the
// overview endpoint can read them without touching the scheduler goroutine.
type Stats struct {
	frameNumber atomic.Int64
	overruns    atomic.Int64
	actualFPS   atomic.Uint64 // math.Float64bits
	lastTickMs  atomic.Uint64 // math.Float64bits
}

// Snapshot is a point-in-time copy of the loop's performance counters.
type Snapshot struct {
	Running        bool    `json:"running"`
	FPS            int     `json:"fps"`
	ActualFPS      float64 `json:"actualFps"`
	TickDurationMs float64 `json:"tickDurationMs"`
	FrameNumber    int64   `json:"frameNumber"`
	Overruns       int64   `json:"overruns"`
}

// FrameNumber returns the monotonically increasing tick counter.
func (s *Stats) FrameNumber() int64 {
	return s.frameNumber.Load()
}

// ActualFPS returns the EMA of the measured frame rate.
func (s *Stats) ActualFPS() float64 {
	return math.Float64frombits(s.actualFPS.Load())
}

// LastTickMs returns the duration of the last completed frame in
// milliseconds.
func (s *Stats) LastTickMs() float64 {
	return math.Float64frombits(s.lastTickMs.Load())
}

// Overruns returns how many frames exceeded their budget.
func (s *Stats) Overruns() int64 {
	return s.overruns.Load()
}

// floatBits is a shorthand for storing float64 values in atomics.
func floatBits(f float64) uint64 { return math.Float64bits(f) }

// recordFrameRate folds one frame interval into the actual-FPS EMA.
// frameSeconds is the wall time between successive tick starts.
func (s *Stats) recordFrameRate(frameSeconds float64) {
	if frameSeconds <= 0 {
		return
	}

	instant := 1.0 / frameSeconds
	prev := math.Float64frombits(s.actualFPS.Load())
	if prev == 0 {
		s.actualFPS.Store(math.Float64bits(instant))
		return
	}
	const alpha = 2.0 / (fpsSampleWindow + 1)
	s.actualFPS.Store(math.Float64bits(alpha*instant + (1-alpha)*prev))
}

func (s *Stats) reset() {
	s.frameNumber.Store(0)
	s.overruns.Store(0)
	s.actualFPS.Store(0)
	s.lastTickMs.Store(0)
}
