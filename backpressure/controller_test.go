package backpressure_test

import (
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/NVIDIA/search-backpressure/backpressure"
)

func settingsInDuress(maxHeap int64) *backpressure.Settings {
	s, err := backpressure.NewSettings(backpressure.SettingsConfig{
		MaxHeapBytes:                 maxHeap,
		CancellationRate:             1, // 1 token/ns: never the limiting factor unless we want it to be
		CancellationBurst:            100,
		CancellationRatio:            1,
		StopOnlyWhenBothBucketsEmpty: backpressure.DefaultStopOnlyWhenBothBucketsEmpty,
	})
	Expect(err).NotTo(HaveOccurred())
	one := int64(1)
	tiny := 0.01 // tiny thresholds: any nonzero reading breaches
	s.Apply(&backpressure.SettingsToSet{
		NumConsecutiveBreaches:       &one,
		CPUThreshold:                 &tiny,
		HeapThreshold:                &tiny,
		SearchHeapUsageThreshold:     &tiny,
		SearchTaskHeapUsageThreshold: float64Ptr(0.001),
	})
	return s
}

func float64Ptr(v float64) *float64 { return &v }
func durationPtr(d time.Duration) *time.Duration { return &d }

var _ = Describe("BackpressureController", func() {
	var (
		clock    *fakeClock
		sensors  *fakeSensors
		settings *backpressure.Settings
		tasks    []backpressure.Task
		reg      *fakeRegistry
		ctrl     *backpressure.BackpressureController
	)

	BeforeEach(func() {
		clock = &fakeClock{now: 1_000_000}
		sensors = &fakeSensors{cpu: []float64{0.95}, heap: []float64{0.95}}
		settings = settingsInDuress(1000)
		tasks = nil
		reg = &fakeRegistry{}
	})

	newController := func() *backpressure.BackpressureController {
		reg.tasks = tasks
		return backpressure.NewController(settings, sensors, reg, clock)
	}

	When("the controller is disabled", func() {
		It("takes no action even under sustained duress with oversized tasks", func() {
			t := newFakeTask("t1", clock.NowNanos())
			t.setHeap(900)
			t.setCPU(1)
			tasks = []backpressure.Task{t}
			ctrl = newController()

			settings.Apply(&backpressure.SettingsToSet{Enabled: boolPtr(false)})
			ctrl.Tick()

			Expect(t.Cancelled()).To(BeFalse())
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationCount).To(BeZero())
		})
	})

	When("the node is not under duress", func() {
		It("takes no action regardless of task sizes", func() {
			sensors.cpu = []float64{0.001}
			sensors.heap = []float64{0.001}

			t := newFakeTask("t1", clock.NowNanos())
			t.setHeap(900)
			tasks = []backpressure.Task{t}
			ctrl = newController()

			ctrl.Tick()

			Expect(t.Cancelled()).To(BeFalse())
		})
	})

	When("duress is sustained but total search heap usage is below the global guard", func() {
		It("takes no action", func() {
			t := newFakeTask("t1", clock.NowNanos())
			t.setHeap(1) // total heap far below SearchHeapBytes
			tasks = []backpressure.Task{t}
			ctrl = newController()

			ctrl.Tick()

			Expect(t.Cancelled()).To(BeFalse())
		})
	})

	When("duress is sustained and the global heap guard is crossed", func() {
		It("cancels the task responsible for excess CPU usage, with a reason string", func() {
			threshold := 10 * time.Millisecond
			settings.Apply(&backpressure.SettingsToSet{SearchTaskCPUTimeThreshold: durationPtr(threshold)})

			hot := newFakeTask("hot", clock.NowNanos())
			hot.setHeap(500)
			hot.setCPU(int64(20 * time.Millisecond))

			cold := newFakeTask("cold", clock.NowNanos())
			cold.setHeap(500)
			cold.setCPU(int64(1 * time.Millisecond))

			tasks = []backpressure.Task{hot, cold}
			ctrl = newController()

			ctrl.Tick()

			Expect(hot.Cancelled()).To(BeTrue())
			Expect(hot.reason).To(ContainSubstring("cpu_usage_tracker"))
			Expect(cold.Cancelled()).To(BeFalse())
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationCount).To(BeEquivalentTo(1))
		})
	})

	When("enforcement is disabled", func() {
		It("logs intent but never cancels and never increments counters", func() {
			threshold := 10 * time.Millisecond
			settings.Apply(&backpressure.SettingsToSet{
				SearchTaskCPUTimeThreshold: durationPtr(threshold),
				Enforced:                   boolPtr(false),
			})

			hot := newFakeTask("hot", clock.NowNanos())
			hot.setHeap(900)
			hot.setCPU(int64(20 * time.Millisecond))
			tasks = []backpressure.Task{hot}
			ctrl = newController()

			ctrl.Tick()

			Expect(hot.Cancelled()).To(BeFalse())
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationCount).To(BeZero())
		})
	})

	When("a breach streak has not yet crossed num_consecutive_breaches", func() {
		It("takes no action until the third consecutive breach", func() {
			settings.Apply(&backpressure.SettingsToSet{NumConsecutiveBreaches: int64Ptr(3)})
			tasks = nil
			ctrl = newController()

			// tick 1, tick 2: breached, but streak (1, 2) stays below 3.
			ctrl.Tick()
			Expect(reg.refreshCalls).To(Equal(0), "duress should not yet be declared on breach 1")
			ctrl.Tick()
			Expect(reg.refreshCalls).To(Equal(0), "duress should not yet be declared on breach 2")

			// tick 3: streak reaches 3, duress is declared, and Tick
			// proceeds past nodeInDuress into the registry refresh.
			ctrl.Tick()
			Expect(reg.refreshCalls).To(Equal(1), "duress should be declared on breach 3")
		})
	})

	When("the CPU sensor errors on one tick", func() {
		It("treats that reading as not-breached without disturbing the heap streak", func() {
			settings.Apply(&backpressure.SettingsToSet{NumConsecutiveBreaches: int64Ptr(2)})
			// cpu errors on the first reading only; heap breaches every tick.
			sensors.cpu = []float64{1, 1}
			sensors.heap = []float64{1, 1}
			sensors.cpuErr = []error{fmt.Errorf("boom")}
			tasks = nil
			ctrl = newController()

			ctrl.Tick() // cpu errored (streak 0), heap breached (streak 1): below 2
			Expect(reg.refreshCalls).To(Equal(0))

			ctrl.Tick() // cpu recovers (streak 1), heap breached again (streak 2): crosses 2
			Expect(reg.refreshCalls).To(Equal(1))
		})
	})

	When("the heap sensor errors on one tick", func() {
		It("treats that reading as not-breached without disturbing the CPU streak", func() {
			settings.Apply(&backpressure.SettingsToSet{NumConsecutiveBreaches: int64Ptr(2)})
			// heap errors on the first reading only; cpu breaches every tick.
			sensors.cpu = []float64{1, 1}
			sensors.heap = []float64{1, 1}
			sensors.heapErr = []error{fmt.Errorf("boom")}
			tasks = nil
			ctrl = newController()

			ctrl.Tick() // heap errored (streak 0), cpu breached (streak 1): below 2
			Expect(reg.refreshCalls).To(Equal(0))

			ctrl.Tick() // heap recovers (streak 1), cpu breached again (streak 2): crosses 2
			Expect(reg.refreshCalls).To(Equal(1))
		})
	})

	When("the task registry's RefreshStats call fails", func() {
		It("logs a warning and still completes the tick against cached stats", func() {
			reg.refreshErr = fmt.Errorf("refresh unavailable")
			threshold := 10 * time.Millisecond
			settings.Apply(&backpressure.SettingsToSet{SearchTaskCPUTimeThreshold: durationPtr(threshold)})

			hot := newFakeTask("hot", clock.NowNanos())
			hot.setHeap(900)
			hot.setCPU(int64(20 * time.Millisecond))
			tasks = []backpressure.Task{hot}
			ctrl = newController()

			ctrl.Tick()

			Expect(reg.refreshCalls).To(Equal(1))
			Expect(hot.Cancelled()).To(BeTrue())
		})
	})

	When("the heap tracker warms up", func() {
		It("reports no verdict before the rolling window fills, then a variance-scaled verdict once it does", func() {
			probe := newFakeTask("probe", clock.NowNanos())
			probe.setHeap(10_000)
			tasks = []backpressure.Task{probe}
			ctrl = newController()

			// heapTrackerWindow (controller.go) is 64: feed 63 completions
			// of 100 bytes each, one short of filling the window.
			filler := newFakeTask("filler", clock.NowNanos())
			filler.setHeap(100)
			for range 63 {
				ctrl.OnTaskCompleted(filler)
			}

			ctrl.Tick()
			Expect(probe.Cancelled()).To(BeFalse(), "rolling average should not be ready yet")

			ctrl.OnTaskCompleted(filler) // 64th sample fills the window
			ctrl.Tick()

			Expect(probe.Cancelled()).To(BeTrue())
			Expect(probe.reason).To(ContainSubstring("heap_usage_tracker"))
		})
	})

	When("a task has run longer than the elapsed-time threshold", func() {
		It("is cancelled with an elapsed_time_tracker verdict", func() {
			settings.Apply(&backpressure.SettingsToSet{SearchTaskElapsedTimeThreshold: durationPtr(time.Nanosecond)})

			stale := newFakeTask("stale", clock.NowNanos()-int64(time.Hour))
			stale.setHeap(900)
			tasks = []backpressure.Task{stale}
			ctrl = newController()

			ctrl.Tick()

			Expect(stale.Cancelled()).To(BeTrue())
			Expect(stale.reason).To(ContainSubstring("elapsed_time_tracker"))
		})
	})

	When("50 tasks are eligible under a tight time-bucket rate, with no completions", func() {
		It("cancels up to the burst in the first tick, then 3 more per second after advancing the clock", func() {
			threshold := 10 * time.Millisecond
			settings, _ = backpressure.NewSettings(backpressure.SettingsConfig{
				MaxHeapBytes:                 1000,
				CancellationRate:             3e-9, // 3 tokens/sec, expressed per nanosecond
				CancellationBurst:            10,
				CancellationRatio:            1,
				StopOnlyWhenBothBucketsEmpty: backpressure.DefaultStopOnlyWhenBothBucketsEmpty,
			})
			one := int64(1)
			tiny := 0.01
			settings.Apply(&backpressure.SettingsToSet{
				NumConsecutiveBreaches:       &one,
				CPUThreshold:                 &tiny,
				HeapThreshold:                &tiny,
				SearchHeapUsageThreshold:     &tiny,
				SearchTaskHeapUsageThreshold: float64Ptr(0.001),
				SearchTaskCPUTimeThreshold:   durationPtr(threshold),
			})

			fifty := make([]backpressure.Task, 50)
			for i := range fifty {
				t := newFakeTask(fmt.Sprintf("t%d", i), clock.NowNanos())
				t.setHeap(500)
				t.setCPU(int64(20 * time.Millisecond))
				fifty[i] = t
			}
			tasks = fifty
			ctrl = newController()

			ctrl.Tick()
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationCount).To(BeEquivalentTo(10))
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationLimitReached).To(BeEquivalentTo(1))

			clock.advance(int64(time.Second))
			ctrl.Tick()
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationCount).To(BeEquivalentTo(13))
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationLimitReached).To(BeEquivalentTo(2))
		})
	})

	When("Shutdown is called more than once", func() {
		It("stops the schedule exactly once and never panics", func() {
			tasks = nil
			ctrl = newController()
			sched := &fakeScheduler{}
			ctrl.Start(sched)

			Expect(func() {
				ctrl.Shutdown()
				ctrl.Shutdown()
			}).NotTo(Panic())

			Expect(sched.handle.stops).To(Equal(1))
		})
	})

	When("the cancellation rate limit is exhausted", func() {
		It("stops the plan partway through and records a limit-reached tick", func() {
			threshold := 10 * time.Millisecond
			// both buckets share burst=1, rate effectively 0 (1e-12 per unit, and neither clock advances)
			settings, _ = backpressure.NewSettings(backpressure.SettingsConfig{
				MaxHeapBytes:                 1000,
				CancellationRate:             1e-12,
				CancellationBurst:            1,
				CancellationRatio:            1e-12,
				StopOnlyWhenBothBucketsEmpty: backpressure.DefaultStopOnlyWhenBothBucketsEmpty,
			})
			one := int64(1)
			tiny := 0.01
			settings.Apply(&backpressure.SettingsToSet{
				NumConsecutiveBreaches:       &one,
				CPUThreshold:                 &tiny,
				HeapThreshold:                &tiny,
				SearchHeapUsageThreshold:     &tiny,
				SearchTaskHeapUsageThreshold: float64Ptr(0.001),
				SearchTaskCPUTimeThreshold:   durationPtr(threshold),
			})

			a := newFakeTask("a", clock.NowNanos())
			a.setHeap(500)
			a.setCPU(int64(20 * time.Millisecond))
			b := newFakeTask("b", clock.NowNanos())
			b.setHeap(500)
			b.setCPU(int64(21 * time.Millisecond))

			tasks = []backpressure.Task{a, b}
			ctrl = newController()

			ctrl.Tick()

			cancelledCount := 0
			if a.Cancelled() {
				cancelledCount++
			}
			if b.Cancelled() {
				cancelledCount++
			}
			Expect(cancelledCount).To(Equal(1))
			Expect(ctrl.Stats().CancellationStats.SearchShardTask.CancellationLimitReached).To(BeEquivalentTo(1))
		})
	})
})

func boolPtr(v bool) *bool     { return &v }
func int64Ptr(v int64) *int64 { return &v }
