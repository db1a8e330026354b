package backpressure

import (
	"sort"
	"strings"
)

// TaskCancellation bundles a task with every tracker's Verdict against
// it. A task with zero verdicts is not a cancellation candidate -
// Eligible reports false - but is still built so the tick loop can log
// "considered, not cancelled" at verbose levels if needed.
type TaskCancellation struct {
	Task     Task
	Verdicts []Verdict
}

// Eligible reports whether this task is actually a cancellation
// candidate: not already cancelled, and at least one tracker returned a
// verdict against it.
func (tc *TaskCancellation) Eligible() bool {
	return !tc.Task.Cancelled() && len(tc.Verdicts) > 0
}

// TotalScore sums every contributing tracker's score; it is the sort key
// used to rank cancellation candidates against each other.
func (tc *TaskCancellation) TotalScore() int64 {
	var total int64
	for _, v := range tc.Verdicts {
		total += v.Score
	}
	return total
}

// CancelledStats is a resource-usage snapshot taken at the moment a task
// is cancelled, folded into the running cancellation stats.
type CancelledStats struct {
	TaskID    string `json:"task_id"`
	HeapBytes int64  `json:"heap_usage_bytes"`
	CPUNanos  int64  `json:"cpu_usage_nanos"`
	ElapsedNs int64  `json:"elapsed_time_nanos"`
}

// Cancel joins every contributing verdict's message into one reason
// string, calls task.Cancel with it, and returns a snapshot of the task's
// resource usage at cancellation time. It does not touch the trackers'
// cancellation counters; the controller increments those after a
// successful Cancel.
func (tc *TaskCancellation) Cancel(clock Clock) (CancelledStats, error) {
	msgs := make([]string, len(tc.Verdicts))
	for i, v := range tc.Verdicts {
		msgs[i] = v.Message
	}
	reason := "resource consumption exceeded [" + strings.Join(msgs, ", ") + "]"

	snap := CancelledStats{
		TaskID:    tc.Task.ID(),
		HeapBytes: tc.Task.HeapBytes(),
		CPUNanos:  tc.Task.CPUNanos(),
		ElapsedNs: clock.NowNanos() - tc.Task.StartNanos(),
	}

	if err := tc.Task.Cancel(reason); err != nil {
		return snap, wrapf(err, "cancel task %s", tc.Task.ID())
	}
	return snap, nil
}

// RankCancellationPlan filters candidates down to eligible ones and
// orders them descending by TotalScore, breaking ties by task ID for a
// deterministic plan across ticks with identical verdicts.
func RankCancellationPlan(candidates []TaskCancellation) []TaskCancellation {
	plan := make([]TaskCancellation, 0, len(candidates))
	for _, c := range candidates {
		if c.Eligible() {
			plan = append(plan, c)
		}
	}
	sort.SliceStable(plan, func(i, j int) bool {
		si, sj := plan[i].TotalScore(), plan[j].TotalScore()
		if si != sj {
			return si > sj
		}
		return plan[i].Task.ID() < plan[j].Task.ID()
	})
	return plan
}
