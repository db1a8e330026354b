package backpressure

// Verdict is one tracker's opinion that a task should be cancelled: Score
// orders tasks against each other within the tracker (higher cancels
// first), and Message is folded into the human-readable cancellation
// reason string.
type Verdict struct {
	Tracker string
	Message string
	Score   int64
}

// ResourceUsageTracker watches one dimension of search-shard task
// resource consumption (CPU time, heap usage, wall-clock elapsed) and
// decides, per task, whether that dimension alone justifies cancelling
// it. Implementations may be stateless (cpu, elapsed) or stateful
// (heap, which tracks a rolling average); either way Update/Cancel*
// methods must be safe for concurrent use, since the controller fans
// tracker calls out across a bounded worker pool (see controller.go).
type ResourceUsageTracker interface {
	// Kind names the tracker; used as both its Prometheus/JSON stats key
	// and the per-verdict "breakup" key in cancellation stats.
	Kind() string

	// Update folds a finished task's stats into any internal state the
	// tracker keeps (e.g. the heap tracker's rolling average). Called
	// exactly once per task, from OnTaskCompleted when a search-shard
	// task finishes - never from the tick path itself.
	Update(task Task)

	// CancellationReason returns a non-nil Verdict if this dimension
	// alone justifies cancelling task, or (nil, nil) if not. A non-nil
	// error means the tracker itself failed to evaluate task and should
	// be treated as "no verdict" by the caller, who logs the error.
	CancellationReason(task Task) (*Verdict, error)

	// CurrentStats reports this dimension's current view across the
	// supplied active task set, for the stats snapshot: max and average
	// observed value, plus a tracker-specific extra (e.g. the heap
	// tracker's rolling average) reported separately by concrete types.
	CurrentStats(active []Task) TrackerStats

	// CancellationsCount returns the number of cancellations this tracker
	// has contributed a verdict to, for the per-tracker stats breakup.
	CancellationsCount() int64

	// IncrementCancellations is called once per cancelled task that this
	// tracker contributed a verdict for.
	IncrementCancellations()
}

// TrackerStats is the generic max/avg pair every tracker reports; heap
// additionally reports RollingAvg (see tracker_heap.go).
type TrackerStats struct {
	Max        int64   `json:"current_max"`
	Avg        float64 `json:"current_avg"`
	RollingAvg float64 `json:"rolling_avg,omitempty"`
}
