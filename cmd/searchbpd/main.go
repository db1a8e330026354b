// Command searchbpd runs the node-local search backpressure controller
// as a standalone daemon: it wires a host resource sensor, a task
// registry, the control loop itself, and serves /metrics and /stats
// over HTTP.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/NVIDIA/search-backpressure/backpressure"
	"github.com/NVIDIA/search-backpressure/backpressure/bpstats"
	"github.com/NVIDIA/search-backpressure/cmn/nlog"
	"github.com/NVIDIA/search-backpressure/hk"
	"github.com/NVIDIA/search-backpressure/registry"
	"github.com/NVIDIA/search-backpressure/sensors"
)

var (
	listenAddr   = flag.String("listen", ":9530", "address to serve /metrics and /stats on")
	interval     = flag.Duration("interval", time.Second, "control loop tick interval")
	maxHeapBytes = flag.Int64("max-heap-bytes", 0, "total heap budget this node's search tasks may use (bytes); required")
	settingsFile = flag.String("settings-file", "", "optional path to a JSON SettingsToSet file, polled for live updates")
)

func main() {
	flag.Parse()
	defer nlog.Flush()

	if *maxHeapBytes <= 0 {
		fmt.Fprintln(os.Stderr, "searchbpd: -max-heap-bytes must be set to a positive value")
		os.Exit(1)
	}

	settings, err := backpressure.NewSettings(backpressure.SettingsConfig{
		Interval:                     *interval,
		StopOnlyWhenBothBucketsEmpty: backpressure.DefaultStopOnlyWhenBothBucketsEmpty,
		MaxHeapBytes:                 *maxHeapBytes,
	})
	if err != nil {
		nlog.Errorf("searchbpd: invalid settings: %v", err)
		os.Exit(1)
	}

	reg := registry.NewRegistry(nil)
	hostSensors := sensors.NewHost()
	clock := backpressure.ClockFunc(func() int64 { return time.Now().UnixNano() })

	controller := backpressure.NewController(settings, hostSensors, reg, clock)

	sched := hk.NewScheduler()
	defer sched.Close()
	controller.Start(schedulerAdapter{sched})
	defer controller.Shutdown()

	exporter := bpstats.NewExporter(controller)
	sched.ScheduleFixedDelay(*interval, exporter.Collect)

	watcher := newSettingsWatcher(*settingsFile, settings)
	sched.ScheduleFixedDelay(*interval, watcher.poll)

	mux := http.NewServeMux()
	mux.Handle("/metrics", exporter.PromHandler())
	mux.Handle("/stats", exporter.StatsHandler())

	nlog.Infof("searchbpd: listening on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, mux); err != nil {
		nlog.Errorf("searchbpd: http server exited: %v", err)
		os.Exit(1)
	}
}

// schedulerAdapter satisfies backpressure.Scheduler by wrapping
// *hk.Scheduler: hk is domain-agnostic and returns its own concrete
// *hk.Handle, so the adapter lives here rather than in either package.
type schedulerAdapter struct {
	s *hk.Scheduler
}

func (a schedulerAdapter) ScheduleFixedDelay(interval time.Duration, callback func()) backpressure.ScheduleHandle {
	return a.s.ScheduleFixedDelay(interval, callback)
}
