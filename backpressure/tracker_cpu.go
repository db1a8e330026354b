package backpressure

import (
	"fmt"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
)

// cpuUsageTracker flags a search-shard task once its cumulative CPU time
// crosses settings.SearchTaskCPUTimeThreshold. Stateless across ticks -
// the only state is the cancellation counter - since CPUNanos() is
// itself already a cumulative counter maintained by the task engine.
type cpuUsageTracker struct {
	settings *Settings
	cancels  atomic.Int64
}

func newCPUUsageTracker(settings *Settings) *cpuUsageTracker {
	return &cpuUsageTracker{settings: settings}
}

func (t *cpuUsageTracker) Kind() string { return "cpu_usage_tracker" }

func (t *cpuUsageTracker) Update(Task) {} // stateless: nothing to fold in

func (t *cpuUsageTracker) CancellationReason(task Task) (*Verdict, error) {
	threshold := t.settings.SearchTaskCPUTimeThreshold()
	cpu := task.CPUNanos()
	if cpu < int64(threshold) {
		return nil, nil
	}
	return &Verdict{
		Tracker: t.Kind(),
		Message: fmt.Sprintf("%s: cpu time %s >= threshold %s", t.Kind(), nanosToDuration(cpu), threshold),
		Score:   1,
	}, nil
}

func (t *cpuUsageTracker) CurrentStats(active []Task) TrackerStats {
	var max int64
	var sum int64
	for _, tk := range active {
		cpu := tk.CPUNanos()
		sum += cpu
		if cpu > max {
			max = cpu
		}
	}
	stats := TrackerStats{Max: max}
	if n := len(active); n > 0 {
		stats.Avg = float64(sum) / float64(n)
	}
	return stats
}

func (t *cpuUsageTracker) CancellationsCount() int64    { return t.cancels.Load() }
func (t *cpuUsageTracker) IncrementCancellations()       { t.cancels.Inc() }
