package backpressure

import (
	"fmt"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
)

// elapsedTimeTracker flags a search-shard task once it has run longer
// than settings.SearchTaskElapsedTimeThreshold, measured against clock
// rather than any counter the task itself maintains - a long-running
// task may be making no CPU progress at all (e.g. blocked on I/O) and
// still be worth cancelling.
type elapsedTimeTracker struct {
	settings *Settings
	clock    Clock
	cancels  atomic.Int64
}

func newElapsedTimeTracker(settings *Settings, clock Clock) *elapsedTimeTracker {
	return &elapsedTimeTracker{settings: settings, clock: clock}
}

func (t *elapsedTimeTracker) Kind() string { return "elapsed_time_tracker" }

func (t *elapsedTimeTracker) Update(Task) {}

func (t *elapsedTimeTracker) CancellationReason(task Task) (*Verdict, error) {
	threshold := t.settings.SearchTaskElapsedTimeThreshold()
	elapsed := t.clock.NowNanos() - task.StartNanos()
	if elapsed < int64(threshold) {
		return nil, nil
	}
	return &Verdict{
		Tracker: t.Kind(),
		Message: fmt.Sprintf("%s: elapsed time %s >= threshold %s", t.Kind(), nanosToDuration(elapsed), threshold),
		Score:   1,
	}, nil
}

func (t *elapsedTimeTracker) CurrentStats(active []Task) TrackerStats {
	now := t.clock.NowNanos()
	var max int64
	var sum int64
	for _, tk := range active {
		elapsed := now - tk.StartNanos()
		sum += elapsed
		if elapsed > max {
			max = elapsed
		}
	}
	stats := TrackerStats{Max: max}
	if n := len(active); n > 0 {
		stats.Avg = float64(sum) / float64(n)
	}
	return stats
}

func (t *elapsedTimeTracker) CancellationsCount() int64 { return t.cancels.Load() }
func (t *elapsedTimeTracker) IncrementCancellations()    { t.cancels.Inc() }
