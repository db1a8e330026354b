package backpressure

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
	"github.com/NVIDIA/search-backpressure/cmn/cos"
	"github.com/NVIDIA/search-backpressure/cmn/nlog"
)

// heapTrackerWindow is the rolling-average window (in observations) the
// heap usage tracker keeps. Not user-configurable: unlike the
// thresholds in Settings, the window size changes the tracker's
// statistical behavior rather than its policy, so it stays a build-time
// constant (mirrors the teacher's own fixed-size stats rings).
const heapTrackerWindow = 64

// BackpressureController is the node-local control loop: on each tick it
// decides whether the node is under sustained resource duress and, if
// so, cancels the search-shard tasks that are disproportionately
// responsible for it.
//
// Lock ordering, where more than one is held: settings < tracker-state <
// counters. The errgroup fan-out in buildCandidates only ever touches
// tracker-state (each tracker serializes its own internal lock); it
// never acquires the counters below while doing so.
type BackpressureController struct {
	settings *Settings
	sensors  ResourceSensors
	registry TaskRegistry
	clock    Clock
	trackers []ResourceUsageTracker

	cpuStreak  Streak
	heapStreak Streak

	cpuSensorErrs  cos.ErrValue
	heapSensorErrs cos.ErrValue

	completions   atomic.Int64 // monotonic; never reset by a tick
	cancellations atomic.Int64
	limitReached  atomic.Int64
	lastCancelled atomic.Value // holds CancelledStats

	timeBucket  *TokenBucket
	ratioBucket *TokenBucket

	schedMu sync.Mutex
	handle  ScheduleHandle
	stopped atomic.Bool
}

// NewController validates nothing itself - settings is assumed already
// validated by NewSettings - and wires the three resource-usage trackers
// plus the two token buckets that gate the per-tick cancellation plan.
func NewController(settings *Settings, sensors ResourceSensors, registry TaskRegistry, clock Clock) *BackpressureController {
	c := &BackpressureController{
		settings: settings,
		sensors:  sensors,
		registry: registry,
		clock:    clock,
		trackers: []ResourceUsageTracker{
			newCPUUsageTracker(settings),
			newElapsedTimeTracker(settings, clock),
			newHeapUsageTracker(settings, heapTrackerWindow),
		},
		timeBucket: NewTokenBucket(settings.CancellationRate, settings.CancellationBurst, clock.NowNanos),
	}
	c.ratioBucket = NewTokenBucket(settings.CancellationRatio, settings.CancellationBurst, func() int64 {
		return c.completions.Load()
	})
	return c
}

// Start schedules Tick at settings.Interval on sch. Start must be called
// at most once; subsequent calls are no-ops once Shutdown has run.
func (c *BackpressureController) Start(sch Scheduler) {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.stopped.Load() || c.handle != nil {
		return
	}
	c.handle = sch.ScheduleFixedDelay(c.settings.Interval, c.Tick)
}

// Shutdown stops the scheduled tick loop. Idempotent: safe to call more
// than once, and safe to call even if Start was never called.
func (c *BackpressureController) Shutdown() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if c.stopped.Swap(true) {
		return
	}
	if c.handle != nil {
		c.handle.Stop()
	}
}

// OnTaskCompleted folds a search-shard task's final stats into every
// tracker, then - if the task finished on its own rather than being
// cancelled - advances the monotonic completion counter that feeds the
// ratio token bucket. Non-search-shard tasks are ignored entirely.
func (c *BackpressureController) OnTaskCompleted(task Task) {
	if task.Kind() != KindSearchShard {
		return
	}
	for _, t := range c.trackers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					nlog.Errorf("search backpressure: %v: tracker %s panicked updating task %s: %v",
						ErrTrackerPanic, t.Kind(), task.ID(), r)
				}
			}()
			t.Update(task)
		}()
	}
	if !task.Cancelled() {
		c.completions.Inc()
	}
}

// Tick runs one full pass of the control loop: duress detection, the
// global heap guard, ranked verdict computation, and rate-limited
// cancellation. It is designed to be called from a single goroutine (the
// scheduler's), and never blocks beyond the bounded fan-out in
// buildCandidates.
func (c *BackpressureController) Tick() {
	if !c.settings.Enabled() {
		return
	}
	if !c.nodeInDuress() {
		return
	}

	tasks := c.registry.LiveSearchShardTasks()
	if err := c.registry.RefreshStats(tasks); err != nil {
		nlog.Warningf("search backpressure: refresh stats failed, continuing with stale stats: %v", wrapf(ErrRefreshFailed, "%s", err.Error()))
	}

	var totalHeap int64
	for _, t := range tasks {
		totalHeap += t.HeapBytes()
	}
	if totalHeap < c.settings.SearchHeapBytes() {
		return
	}

	plan := RankCancellationPlan(c.buildCandidates(tasks))
	c.executePlan(plan)
}

// nodeInDuress reports whether the node has been breaching either the
// CPU or the heap watermark for settings.NumConsecutiveBreaches
// consecutive ticks. A sensor error is treated as "not breached" for
// that reading on this tick only; it does not affect the other
// dimension's streak.
func (c *BackpressureController) nodeInDuress() bool {
	cpuBreach := false
	if cpu, err := c.sensors.CPULoad(); err != nil {
		c.cpuSensorErrs.Store(wrapf(ErrSensorUnavailable, "cpu: %s", err.Error()))
		nlog.Warningf("search backpressure: %v", c.cpuSensorErrs.Err())
	} else {
		cpuBreach = cpu >= c.settings.CPUThreshold()
	}

	heapBreach := false
	if heap, err := c.sensors.HeapUsedFraction(); err != nil {
		c.heapSensorErrs.Store(wrapf(ErrSensorUnavailable, "heap: %s", err.Error()))
		nlog.Warningf("search backpressure: %v", c.heapSensorErrs.Err())
	} else {
		heapBreach = heap >= c.settings.HeapThreshold()
	}

	cpuStreak := c.cpuStreak.Record(cpuBreach)
	heapStreak := c.heapStreak.Record(heapBreach)
	n := c.settings.NumConsecutiveBreaches()

	return cpuStreak >= n || heapStreak >= n
}

// buildCandidates asks every tracker for a verdict against every task,
// bounded to GOMAXPROCS concurrent tasks at a time. One task's tracker
// panicking or erroring is logged and treated as "no verdict from that
// tracker" - it never skips the remaining tasks.
func (c *BackpressureController) buildCandidates(tasks []Task) []TaskCancellation {
	out := make([]TaskCancellation, len(tasks))

	var g errgroup.Group
	g.SetLimit(max(runtime.GOMAXPROCS(0), 1))

	for i, task := range tasks {
		i, task := i, task
		g.Go(func() (err error) {
			out[i] = c.evaluate(task)
			return nil
		})
	}
	_ = g.Wait() // evaluate never returns an error; panics are recovered inside it

	return out
}

// evaluate runs every tracker against task, recovering from any single
// tracker's panic so it cannot take down the rest of the tick.
func (c *BackpressureController) evaluate(task Task) (tc TaskCancellation) {
	tc.Task = task
	for _, t := range c.trackers {
		v := c.safeVerdict(t, task)
		if v != nil {
			tc.Verdicts = append(tc.Verdicts, *v)
		}
	}
	return tc
}

func (c *BackpressureController) safeVerdict(t ResourceUsageTracker, task Task) (v *Verdict) {
	defer func() {
		if r := recover(); r != nil {
			nlog.Errorf("search backpressure: %v: tracker %s panicked on task %s: %v",
				ErrTrackerPanic, t.Kind(), task.ID(), r)
			v = nil
		}
	}()
	verdict, err := t.CancellationReason(task)
	if err != nil {
		nlog.Warningf("search backpressure: tracker %s failed on task %s: %v", t.Kind(), task.ID(), err)
		return nil
	}
	return verdict
}

// executePlan walks plan in rank order, cancelling tasks one at a time
// under the two token buckets until either the plan is exhausted or the
// configured stop condition is reached.
func (c *BackpressureController) executePlan(plan []TaskCancellation) {
	for i := range plan {
		tc := &plan[i]
		nlog.Infof("search backpressure: intend to cancel task %s (score=%d)", tc.Task.ID(), tc.TotalScore())

		if !c.settings.Enforced() {
			continue // observe-only: log intent, do not consume tokens or counters
		}

		okTime := c.timeBucket.Request()
		okRatio := c.ratioBucket.Request()

		var stop bool
		if c.settings.StopOnlyWhenBothBucketsEmpty {
			stop = !okTime && !okRatio
		} else {
			stop = !okTime || !okRatio
		}
		if stop {
			c.limitReached.Inc()
			break
		}

		c.cancelOne(tc)
	}
}

func (c *BackpressureController) cancelOne(tc *TaskCancellation) {
	snap, err := tc.Cancel(c.clock)
	if err != nil {
		nlog.Errorf("search backpressure: %v", wrapf(ErrCancelFailed, "task %s: %s", tc.Task.ID(), err.Error()))
		return
	}
	for _, v := range tc.Verdicts {
		c.trackerByKind(v.Tracker).IncrementCancellations()
	}
	c.cancellations.Inc()
	c.lastCancelled.Store(snap)
}

func (c *BackpressureController) trackerByKind(kind string) ResourceUsageTracker {
	for _, t := range c.trackers {
		if t.Kind() == kind {
			return t
		}
	}
	panic(fmt.Sprintf("search backpressure: unknown tracker kind %q", kind))
}
