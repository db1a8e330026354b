package backpressure

// SearchBackpressureStats is the JSON/Prometheus-facing snapshot of the
// controller's current state, shaped to mirror the nested
// current_stats/cancellation_stats structure used throughout the
// design (see bpstats for the exporter that serves this).
type SearchBackpressureStats struct {
	Enabled  bool `json:"enabled"`
	Enforced bool `json:"enforced"`

	CurrentStats struct {
		SearchShardTask struct {
			CPUUsageTracker     TrackerStats `json:"cpu_usage_tracker"`
			HeapUsageTracker    TrackerStats `json:"heap_usage_tracker"`
			ElapsedTimeTracker  TrackerStats `json:"elapsed_time_tracker"`
		} `json:"search_shard_task"`
	} `json:"current_stats"`

	CancellationStats struct {
		SearchShardTask struct {
			CancellationCount          int64            `json:"cancellation_count"`
			CancellationBreakup        map[string]int64 `json:"cancellation_breakup"`
			CancellationLimitReached   int64            `json:"cancellation_limit_reached_count"`
			LastCancelledTask          *CancelledStats  `json:"last_cancelled_task,omitempty"`
		} `json:"search_shard_task"`
	} `json:"cancellation_stats"`
}

// Stats snapshots the controller's full current state. Safe to call
// concurrently with Tick and OnTaskCompleted.
func (c *BackpressureController) Stats() SearchBackpressureStats {
	var out SearchBackpressureStats
	out.Enabled = c.settings.Enabled()
	out.Enforced = c.settings.Enforced()

	active := c.registry.LiveSearchShardTasks()
	for _, t := range c.trackers {
		stats := t.CurrentStats(active)
		switch t.Kind() {
		case "cpu_usage_tracker":
			out.CurrentStats.SearchShardTask.CPUUsageTracker = stats
		case "heap_usage_tracker":
			out.CurrentStats.SearchShardTask.HeapUsageTracker = stats
		case "elapsed_time_tracker":
			out.CurrentStats.SearchShardTask.ElapsedTimeTracker = stats
		}
	}

	breakup := make(map[string]int64, len(c.trackers))
	for _, t := range c.trackers {
		breakup[t.Kind()] = t.CancellationsCount()
	}
	out.CancellationStats.SearchShardTask.CancellationCount = c.cancellations.Load()
	out.CancellationStats.SearchShardTask.CancellationBreakup = breakup
	out.CancellationStats.SearchShardTask.CancellationLimitReached = c.limitReached.Load()

	if v := c.lastCancelled.Load(); v != nil {
		snap := v.(CancelledStats)
		out.CancellationStats.SearchShardTask.LastCancelledTask = &snap
	}

	return out
}

// CompletionsCount reports the monotonic count of search-shard tasks
// that finished on their own (never reset by a tick), for tests and the
// ratio token bucket's clock.
func (c *BackpressureController) CompletionsCount() int64 { return c.completions.Load() }
