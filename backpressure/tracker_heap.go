package backpressure

import (
	"fmt"
	"math"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
)

// heapUsageTracker flags a search-shard task whose heap usage is both
// above the absolute per-task floor and a statistical outlier relative
// to the rolling average heap usage of all search-shard tasks this node
// has observed. Unlike the cpu/elapsed trackers it carries state - a
// MovingAverage - because "outlier relative to what's typical on this
// node" only means something once a baseline has been established.
type heapUsageTracker struct {
	settings *Settings
	avg      *MovingAverage
	cancels  atomic.Int64
}

func newHeapUsageTracker(settings *Settings, window int) *heapUsageTracker {
	return &heapUsageTracker{settings: settings, avg: NewMovingAverage(window)}
}

func (t *heapUsageTracker) Kind() string { return "heap_usage_tracker" }

// Update folds task's heap usage at completion into the rolling average.
// The controller calls this exactly once per task, from OnTaskCompleted -
// the average therefore tracks "typical heap usage of recently finished
// search-shard tasks," not the in-flight usage of tasks still running
// when CancellationReason evaluates them.
func (t *heapUsageTracker) Update(task Task) {
	t.avg.Record(task.HeapBytes())
}

func (t *heapUsageTracker) CancellationReason(task Task) (*Verdict, error) {
	avg, ready, _ := t.avg.Snapshot()
	if !ready {
		return nil, nil
	}

	heap := task.HeapBytes()
	floor := t.settings.SearchTaskHeapFloorBytes()
	if heap < floor {
		return nil, nil
	}

	variance := t.settings.SearchTaskHeapUsageVariance()
	allowed := avg * variance
	if float64(heap) < allowed {
		return nil, nil
	}

	score := int64(1)
	if avg > 0 {
		if s := int64(math.Floor(float64(heap) / avg)); s > score {
			score = s
		}
	}

	return &Verdict{
		Tracker: t.Kind(),
		Message: fmt.Sprintf("%s: heap usage %d bytes >= %.2fx rolling average %.0f bytes", t.Kind(), heap, variance, avg),
		Score:   score,
	}, nil
}

func (t *heapUsageTracker) CurrentStats(active []Task) TrackerStats {
	var max int64
	var sum int64
	for _, tk := range active {
		heap := tk.HeapBytes()
		sum += heap
		if heap > max {
			max = heap
		}
	}
	stats := TrackerStats{Max: max}
	if n := len(active); n > 0 {
		stats.Avg = float64(sum) / float64(n)
	}
	stats.RollingAvg, _, _ = t.avg.Snapshot()
	return stats
}

func (t *heapUsageTracker) CancellationsCount() int64 { return t.cancels.Load() }
func (t *heapUsageTracker) IncrementCancellations()    { t.cancels.Inc() }
