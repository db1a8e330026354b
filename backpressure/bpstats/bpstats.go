// Package bpstats exports a Controller's stats two ways: as Prometheus
// counters/gauges under the "search_backpressure" namespace, and as raw
// JSON at a /stats endpoint - mirroring the two-surface approach used by
// the teacher's stats runner (Prometheus registry plus a REST what=stats
// query), see stats/common_prom.go.
package bpstats

import (
	"net/http"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NVIDIA/search-backpressure/backpressure"
)

const namespace = "search_backpressure"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Exporter owns a private Prometheus registry - "devoid of _default_
// metrics go_gc*, go_mem*, and such" (see common_prom.go) - and serves
// both /metrics and /stats off of a live Controller snapshot.
type Exporter struct {
	controller *backpressure.BackpressureController
	registry   *prometheus.Registry

	cancellations *prometheus.CounterVec
	limitReached  prometheus.Counter
	currentMax    *prometheus.GaugeVec
	currentAvg    *prometheus.GaugeVec
	rollingAvg    prometheus.Gauge
	enabled       prometheus.Gauge
	enforced      prometheus.Gauge

	mu               sync.Mutex
	lastCancelByKind map[string]int64
	lastLimitReached int64
}

// NewExporter constructs an Exporter bound to controller and registers
// its metric descriptors with a fresh, private registry.
func NewExporter(controller *backpressure.BackpressureController) *Exporter {
	e := &Exporter{
		controller: controller,
		registry:   prometheus.NewRegistry(),
		cancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellations_total",
			Help:      "search-shard task cancellations, broken up by contributing tracker.",
		}, []string{"tracker"}),
		limitReached: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancellation_limit_reached_total",
			Help:      "ticks in which the cancellation rate limit was reached before the plan was exhausted.",
		}),
		currentMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracker_current_max",
			Help:      "maximum observed value for a tracker's dimension across live search-shard tasks.",
		}, []string{"tracker"}),
		currentAvg: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracker_current_avg",
			Help:      "average observed value for a tracker's dimension across live search-shard tasks.",
		}, []string{"tracker"}),
		rollingAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heap_rolling_avg_bytes",
			Help:      "rolling average heap usage observed by the heap usage tracker.",
		}),
		enabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enabled",
			Help:      "1 if the controller is enabled, 0 otherwise.",
		}),
		enforced: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "enforced",
			Help:      "1 if the controller is enforcing cancellations, 0 if observe-only.",
		}),
	}

	e.registry.MustRegister(e.cancellations, e.limitReached, e.currentMax, e.currentAvg, e.rollingAvg, e.enabled, e.enforced)
	e.lastCancelByKind = make(map[string]int64)
	return e
}

// Collect refreshes every Prometheus metric from the controller's
// current stats snapshot. The controller's own counters are cumulative
// totals, not deltas, so Collect tracks the last-seen value per tracker
// itself and Adds only the increment - Prometheus counters only support
// Add/Inc, never Set. Call it from the same scheduled cadence as the
// controller's own tick, or on every scrape - both are safe.
func (e *Exporter) Collect() {
	snap := e.controller.Stats()

	e.mu.Lock()
	for tracker, count := range snap.CancellationStats.SearchShardTask.CancellationBreakup {
		delta := count - e.lastCancelByKind[tracker]
		if delta > 0 {
			e.cancellations.WithLabelValues(tracker).Add(float64(delta))
		}
		e.lastCancelByKind[tracker] = count
	}
	limitReached := snap.CancellationStats.SearchShardTask.CancellationLimitReached
	if delta := limitReached - e.lastLimitReached; delta > 0 {
		e.limitReached.Add(float64(delta))
	}
	e.lastLimitReached = limitReached
	e.mu.Unlock()

	e.currentMax.WithLabelValues("cpu_usage_tracker").Set(float64(snap.CurrentStats.SearchShardTask.CPUUsageTracker.Max))
	e.currentAvg.WithLabelValues("cpu_usage_tracker").Set(snap.CurrentStats.SearchShardTask.CPUUsageTracker.Avg)

	e.currentMax.WithLabelValues("heap_usage_tracker").Set(float64(snap.CurrentStats.SearchShardTask.HeapUsageTracker.Max))
	e.currentAvg.WithLabelValues("heap_usage_tracker").Set(snap.CurrentStats.SearchShardTask.HeapUsageTracker.Avg)
	e.rollingAvg.Set(snap.CurrentStats.SearchShardTask.HeapUsageTracker.RollingAvg)

	e.currentMax.WithLabelValues("elapsed_time_tracker").Set(float64(snap.CurrentStats.SearchShardTask.ElapsedTimeTracker.Max))
	e.currentAvg.WithLabelValues("elapsed_time_tracker").Set(snap.CurrentStats.SearchShardTask.ElapsedTimeTracker.Avg)

	if snap.Enabled {
		e.enabled.Set(1)
	} else {
		e.enabled.Set(0)
	}
	if snap.Enforced {
		e.enforced.Set(1)
	} else {
		e.enforced.Set(0)
	}
}

// PromHandler exposes the private registry at /metrics, instrumenting
// the scrape itself (same approach as the teacher's PromHandler).
func (e *Exporter) PromHandler() http.Handler {
	handler := promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
	return promhttp.InstrumentMetricHandler(e.registry, handler)
}

// StatsHandler serves the raw JSON stats snapshot, jsoniter-encoded to
// match the teacher's REST what=stats query shape.
func (e *Exporter) StatsHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		snap := e.controller.Stats()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		_ = enc.Encode(snap)
	})
}
