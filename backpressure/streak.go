package backpressure

import "github.com/NVIDIA/search-backpressure/cmn/atomic"

// Streak counts the length of the current run of `true` observations,
// resetting to zero on the first `false`. The controller calls Record from
// a single goroutine (its own tick loop) but Current may be read
// concurrently from a stats-snapshot caller, hence the atomic backing.
type Streak struct {
	n atomic.Int64
}

// Record advances the streak: if breached, the run continues (or starts)
// and the new length is returned; otherwise the run resets to 0.
func (s *Streak) Record(breached bool) int64 {
	if !breached {
		s.n.Store(0)
		return 0
	}
	return s.n.Inc()
}

// Current returns the streak's current length without mutating it.
func (s *Streak) Current() int64 { return s.n.Load() }
