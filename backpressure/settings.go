package backpressure

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
	"github.com/NVIDIA/search-backpressure/cmn/cos"
)

// Settings is the typed snapshot of every search_backpressure.* knob (see
// design doc §6). Static fields are set once at construction and never
// change; dynamic fields are atomic cells that support a lock-free read on
// the controller's hot path and an atomic replace + listener fan-out on
// the (rare, background) write path - mirroring the teacher's own
// config model, where "writers go through a single settings owner that
// fans out notifications. No read locks on the hot path."
type Settings struct {
	// static
	Interval                     time.Duration
	CancellationRatio            float64
	CancellationRate             float64 // tokens per nanosecond
	CancellationBurst            float64
	StopOnlyWhenBothBucketsEmpty bool // resolves spec's Open Question; see DESIGN.md
	MaxHeapBytes                 int64

	// dynamic
	enabled                      atomic.Bool
	enforced                     atomic.Bool
	numConsecutiveBreaches       atomic.Int64
	cpuThreshold                 atomic.Float64
	heapThreshold                atomic.Float64
	searchHeapUsageThreshold     atomic.Float64
	searchTaskHeapUsageThreshold atomic.Float64
	searchTaskHeapUsageVariance  atomic.Float64
	searchTaskCPUTimeThresholdNs atomic.Int64
	searchTaskElapsedThresholdNs atomic.Int64

	mu        sync.Mutex
	listeners map[string][]func()
}

// SettingsToSet is the partial "to-set" counterpart of Settings: only
// dynamic fields may be updated post-construction (static fields are
// immutable by contract), mirroring BpropsToSet/Bprops.Apply in the
// teacher's `cmn/api.go`. A nil field leaves the corresponding Settings
// field unchanged.
type SettingsToSet struct {
	Enabled                      *bool
	Enforced                     *bool
	NumConsecutiveBreaches       *int64
	CPUThreshold                 *float64
	HeapThreshold                *float64
	SearchHeapUsageThreshold     *float64
	SearchTaskHeapUsageThreshold *float64
	SearchTaskHeapUsageVariance  *float64
	SearchTaskCPUTimeThreshold   *time.Duration
	SearchTaskElapsedTimeThreshold *time.Duration
}

// defaults, per design doc §6's settings table.
const (
	dfltInterval                     = time.Second
	dfltNumConsecutiveBreaches        = 3
	dfltCPUThreshold                 = 0.9
	dfltHeapThreshold                = 0.7
	dfltSearchHeapUsageThreshold     = 0.05
	dfltSearchTaskHeapUsageThreshold = 0.005
	dfltSearchTaskHeapUsageVariance  = 2.0
	dfltSearchTaskCPUTimeThreshold   = 15 * time.Millisecond
	dfltSearchTaskElapsedThreshold   = 30 * time.Second
	dfltCancellationRatio            = 0.1
	dfltCancellationRate             = 3e-9 // tokens/ns
	dfltCancellationBurst            = 10.0
)

// SettingsConfig carries the static, construction-only fields of
// Settings. Zero-valued fields fall back to package defaults, except
// StopOnlyWhenBothBucketsEmpty, whose zero value (false) is a real,
// distinct choice - set it explicitly via the named constant below
// rather than relying on a zero SettingsConfig{} - and MaxHeapBytes,
// which has no default and is used as given.
type SettingsConfig struct {
	Interval                     time.Duration
	CancellationRatio            float64
	CancellationRate             float64 // tokens per nanosecond
	CancellationBurst            float64
	StopOnlyWhenBothBucketsEmpty bool
	MaxHeapBytes                 int64
}

// DefaultStopOnlyWhenBothBucketsEmpty resolves the spec's Open Question
// #1: the cancellation loop stops for a tick only once BOTH the by-time
// and by-completion-ratio token buckets are exhausted. See DESIGN.md.
const DefaultStopOnlyWhenBothBucketsEmpty = true

// NewSettings validates and constructs Settings, applying package
// defaults (see constants above) for zero-valued fields in cfg, then
// mirroring `Bprops.Validate`'s "run assorted props validators, reject
// at construction" pattern: a settings object that fails validation is
// never handed to the controller.
func NewSettings(cfg SettingsConfig) (*Settings, error) {
	s := &Settings{
		Interval:                     cos.NonZero(cfg.Interval, dfltInterval),
		CancellationRatio:            cos.NonZero(cfg.CancellationRatio, dfltCancellationRatio),
		CancellationRate:             cos.NonZero(cfg.CancellationRate, dfltCancellationRate),
		CancellationBurst:            cos.NonZero(cfg.CancellationBurst, dfltCancellationBurst),
		StopOnlyWhenBothBucketsEmpty: cfg.StopOnlyWhenBothBucketsEmpty,
		MaxHeapBytes:                 cfg.MaxHeapBytes,
		listeners:                    make(map[string][]func()),
	}

	// Dynamic fields always start at their package default; callers
	// customize them post-construction via Apply, same as the teacher's
	// Bprops: Validate establishes a baseline, later Apply calls mutate it.
	s.enabled.Store(true)
	s.enforced.Store(true)
	s.numConsecutiveBreaches.Store(dfltNumConsecutiveBreaches)
	s.cpuThreshold.Store(dfltCPUThreshold)
	s.heapThreshold.Store(dfltHeapThreshold)
	s.searchHeapUsageThreshold.Store(dfltSearchHeapUsageThreshold)
	s.searchTaskHeapUsageThreshold.Store(dfltSearchTaskHeapUsageThreshold)
	s.searchTaskHeapUsageVariance.Store(dfltSearchTaskHeapUsageVariance)
	s.searchTaskCPUTimeThresholdNs.Store(int64(dfltSearchTaskCPUTimeThreshold))
	s.searchTaskElapsedThresholdNs.Store(int64(dfltSearchTaskElapsedThreshold))

	if err := s.validateStatic(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validateStatic() error {
	if s.Interval < time.Millisecond {
		return fmt.Errorf("search_backpressure.interval must be >= 1ms, got %s", s.Interval)
	}
	if s.CancellationRatio < 0 || s.CancellationRatio > 1 {
		return fmt.Errorf("search_backpressure.cancellation_ratio must be in [0,1], got %v", s.CancellationRatio)
	}
	if s.CancellationRate <= 0 {
		return fmt.Errorf("search_backpressure.cancellation_rate must be > 0, got %v", s.CancellationRate)
	}
	if s.CancellationBurst <= 0 {
		return fmt.Errorf("search_backpressure.cancellation_burst must be > 0, got %v", s.CancellationBurst)
	}
	return nil
}

// Apply copies every non-nil field of upd into s's dynamic cells, firing
// each changed field's listeners afterward (outside any lock, mirroring
// the teacher's fan-out-after-store config model).
func (s *Settings) Apply(upd *SettingsToSet) {
	var fired []string

	if upd.Enabled != nil {
		s.enabled.Store(*upd.Enabled)
		fired = append(fired, "enabled")
	}
	if upd.Enforced != nil {
		s.enforced.Store(*upd.Enforced)
		fired = append(fired, "enforced")
	}
	if upd.NumConsecutiveBreaches != nil && *upd.NumConsecutiveBreaches >= 1 {
		s.numConsecutiveBreaches.Store(*upd.NumConsecutiveBreaches)
		fired = append(fired, "node_duress.num_consecutive_breaches")
	}
	if upd.CPUThreshold != nil {
		s.cpuThreshold.Store(clamp01(*upd.CPUThreshold))
		fired = append(fired, "node_duress.cpu_threshold")
	}
	if upd.HeapThreshold != nil {
		s.heapThreshold.Store(clamp01(*upd.HeapThreshold))
		fired = append(fired, "node_duress.heap_threshold")
	}
	if upd.SearchHeapUsageThreshold != nil {
		s.searchHeapUsageThreshold.Store(clamp01(*upd.SearchHeapUsageThreshold))
		fired = append(fired, "search_heap_usage_threshold")
	}
	if upd.SearchTaskHeapUsageThreshold != nil {
		s.searchTaskHeapUsageThreshold.Store(clamp01(*upd.SearchTaskHeapUsageThreshold))
		fired = append(fired, "search_task_heap_usage_threshold")
	}
	if upd.SearchTaskHeapUsageVariance != nil && *upd.SearchTaskHeapUsageVariance >= 0 {
		s.searchTaskHeapUsageVariance.Store(*upd.SearchTaskHeapUsageVariance)
		fired = append(fired, "search_task_heap_usage_variance")
	}
	if upd.SearchTaskCPUTimeThreshold != nil && *upd.SearchTaskCPUTimeThreshold >= 0 {
		s.searchTaskCPUTimeThresholdNs.Store(int64(*upd.SearchTaskCPUTimeThreshold))
		fired = append(fired, "search_task_cpu_time_threshold")
	}
	if upd.SearchTaskElapsedTimeThreshold != nil && *upd.SearchTaskElapsedTimeThreshold >= 0 {
		s.searchTaskElapsedThresholdNs.Store(int64(*upd.SearchTaskElapsedTimeThreshold))
		fired = append(fired, "search_task_elapsed_time_threshold")
	}

	s.notify(fired)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// OnChange registers cb to run (synchronously, in listener-registration
// order) whenever key changes via Apply. Mirrors `Settings::on_change`
// (design doc §6).
func (s *Settings) OnChange(key string, cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners[key] = append(s.listeners[key], cb)
}

func (s *Settings) notify(keys []string) {
	s.mu.Lock()
	var cbs []func()
	for _, k := range keys {
		cbs = append(cbs, s.listeners[k]...)
	}
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// Accessors - wait-free reads, safe from any goroutine.

func (s *Settings) Enabled() bool                      { return s.enabled.Load() }
func (s *Settings) Enforced() bool                     { return s.enforced.Load() }
func (s *Settings) NumConsecutiveBreaches() int64       { return s.numConsecutiveBreaches.Load() }
func (s *Settings) CPUThreshold() float64               { return s.cpuThreshold.Load() }
func (s *Settings) HeapThreshold() float64              { return s.heapThreshold.Load() }
func (s *Settings) SearchHeapUsageThreshold() float64   { return s.searchHeapUsageThreshold.Load() }
func (s *Settings) SearchTaskHeapUsageThreshold() float64 {
	return s.searchTaskHeapUsageThreshold.Load()
}
func (s *Settings) SearchTaskHeapUsageVariance() float64 {
	return s.searchTaskHeapUsageVariance.Load()
}
func (s *Settings) SearchTaskCPUTimeThreshold() time.Duration {
	return time.Duration(s.searchTaskCPUTimeThresholdNs.Load())
}
func (s *Settings) SearchTaskElapsedTimeThreshold() time.Duration {
	return time.Duration(s.searchTaskElapsedThresholdNs.Load())
}

// SearchHeapBytes returns the absolute byte threshold that gates the
// global guard in tick() step 4: a fraction of MaxHeapBytes.
func (s *Settings) SearchHeapBytes() int64 {
	return int64(s.SearchHeapUsageThreshold() * float64(s.MaxHeapBytes))
}

// SearchTaskHeapFloorBytes returns the absolute per-task floor used by
// the heap tracker's "too small to matter" guard.
func (s *Settings) SearchTaskHeapFloorBytes() int64 {
	return int64(s.SearchTaskHeapUsageThreshold() * float64(s.MaxHeapBytes))
}
