package backpressure

import (
	"sync"

	"github.com/NVIDIA/search-backpressure/cmn/debug"
)

// MovingAverage is a fixed-window rolling average over the last W
// recorded (long) observations. Record is serialized under a single lock
// (the teacher's own moving-average style in `stats/common.go`
// serializes its counters the same way); Average/Ready may be read
// concurrently with relaxed freshness - a reader may observe the value
// from just before or just after a concurrent Record, never a torn one.
type MovingAverage struct {
	mu    sync.Mutex
	ring  []int64
	sum   int64
	count int64 // total ever recorded (may exceed len(ring))
	win   int64
}

// NewMovingAverage constructs a MovingAverage with window size w. w must
// be > 0; construction panics otherwise, mirroring the source design's
// "construction fails" requirement for a non-positive window.
func NewMovingAverage(w int) *MovingAverage {
	if w <= 0 {
		panic("backpressure: moving average window must be > 0")
	}
	return &MovingAverage{ring: make([]int64, w), win: int64(w)}
}

// Record adds v to the window, evicting the oldest sample once the window
// is full, and returns the resulting average.
func (m *MovingAverage) Record(v int64) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	slot := m.count % m.win
	debug.Assert(slot >= 0 && slot < m.win, "moving average slot out of range")
	old := int64(0)
	if m.count >= m.win {
		old = m.ring[slot]
	}
	m.ring[slot] = v
	m.sum += v - old
	m.count++

	return m.averageLocked()
}

func (m *MovingAverage) averageLocked() float64 {
	denom := m.count
	if denom > m.win {
		denom = m.win
	}
	if denom == 0 {
		return 0
	}
	return float64(m.sum) / float64(denom)
}

// Average returns sum / min(count, W); 0 before the first Record.
func (m *MovingAverage) Average() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

// Ready reports whether the window has been filled at least once; it
// becomes true at count == W and never reverts.
func (m *MovingAverage) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count >= m.win
}

// Snapshot returns average, ready, and total-ever-recorded count in one
// locked pass, used by the heap tracker's stats method to avoid taking
// the lock twice (see bpstats for the `rolling_avg` field this feeds).
func (m *MovingAverage) Snapshot() (avg float64, ready bool, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked(), m.count >= m.win, m.count
}
