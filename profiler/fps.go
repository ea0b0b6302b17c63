package profiler

import (
	"sync"
	"time"
)

// Clock returns the current time. time.Now is the default.
type Clock func() time.Time

// FrameRateTracker derives an instantaneous frame rate from consecutive
// frame timestamps. It is the only state kept across frames.
type FrameRateTracker struct {
	mu    sync.Mutex
	clock Clock
	last  time.Time
	seen  bool
}

// NewFrameRateTracker creates a tracker. A nil clock uses time.Now.
func NewFrameRateTracker(clock Clock) *FrameRateTracker {
	if clock == nil {
		clock = time.Now
	}
	return &FrameRateTracker{clock: clock}
}

// Tick records a frame completed at now and returns 1/(now - previous).
//
// The first call has no previous timestamp and returns (0, false). A delta
// that is zero or negative also returns (0, false); now is recorded either way.
//
// Arguments:
//   - now: The completion time of the frame, ideally with a monotonic reading.
//
// Returns:
//   - float64: Frames per second.
//   - bool: False when no rate could be computed.
func (t *FrameRateTracker) Tick(now time.Time) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev, seen := t.last, t.seen
	t.last, t.seen = now, true
	if !seen {
		return 0, false
	}
	delta := now.Sub(prev)
	if delta <= 0 {
		return 0, false
	}
	return float64(time.Second) / float64(delta), true
}

// Mark is Tick with the tracker's clock.
func (t *FrameRateTracker) Mark() (float64, bool) {
	return t.Tick(t.clock())
}

// Reset forgets the previous timestamp, e.g. after a stream restarts.
func (t *FrameRateTracker) Reset() {
	t.mu.Lock()
	t.seen = false
	t.last = time.Time{}
	t.mu.Unlock()
}
