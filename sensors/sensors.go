// Package sensors implements backpressure.ResourceSensors against the
// local host, reading /proc/stat and /proc/meminfo on Linux and falling
// back to golang.org/x/sys/unix.Sysinfo for total/free memory when procfs
// is unavailable.
package sensors

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	procStatPath    = "/proc/stat"
	procMemInfoPath = "/proc/meminfo"

	memTotalPrefix     = "MemTotal:"
	memAvailablePrefix = "MemAvailable:"
	minMemInfoFields   = 2
)

// Host reports CPU load and heap-used fraction from the local machine.
// "Heap" here means whole-node memory pressure, not this process's Go
// heap - see design doc §6: the duress detector cares about node-wide
// memory, not this daemon's own footprint.
type Host struct {
	mu       sync.Mutex
	prevIdle uint64
	prevTot  uint64
	haveCPU  bool
}

// NewHost constructs a Host sensor. It does no I/O at construction time;
// the first CPULoad call establishes the baseline for the delta
// computation and reports 0 without error.
func NewHost() *Host { return &Host{} }

// CPULoad returns the fraction of CPU time spent non-idle since the
// previous call, computed from the aggregate cpu line in /proc/stat.
// The first call after construction always returns (0, nil).
func (h *Host) CPULoad() (float64, error) {
	idle, total, err := readCPUTicks()
	if err != nil {
		return 0, fmt.Errorf("sensors: read cpu ticks: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.haveCPU {
		h.prevIdle, h.prevTot, h.haveCPU = idle, total, true
		return 0, nil
	}

	deltaIdle := idle - h.prevIdle
	deltaTotal := total - h.prevTot
	h.prevIdle, h.prevTot = idle, total

	if deltaTotal == 0 {
		return 0, nil
	}
	return 1 - float64(deltaIdle)/float64(deltaTotal), nil
}

// HeapUsedFraction returns the fraction of total system memory currently
// in use, preferring /proc/meminfo's MemTotal/MemAvailable and falling
// back to unix.Sysinfo when procfs can't be read (e.g. non-Linux, or a
// sandboxed environment without /proc).
func (h *Host) HeapUsedFraction() (float64, error) {
	total, avail, err := readMemInfo()
	if err != nil {
		total, avail, err = readSysinfo()
	}
	if err != nil {
		return 0, fmt.Errorf("sensors: read memory stats: %w", err)
	}
	if total == 0 {
		return 0, fmt.Errorf("sensors: total memory reported as 0")
	}
	used := total - avail
	return float64(used) / float64(total), nil
}

// readCPUTicks parses the aggregate "cpu " line of /proc/stat into
// (idle ticks, total ticks), per the standard ten-field layout: user,
// nice, system, idle, iowait, irq, softirq, steal, guest, guest_nice.
func readCPUTicks() (idle, total uint64, err error) {
	data, err := os.ReadFile(procStatPath)
	if err != nil {
		return 0, 0, err
	}

	line, _, _ := bytes.Cut(data, []byte{'\n'})
	fields := bytes.Fields(line)
	if len(fields) < 2 || string(fields[0]) != "cpu" {
		return 0, 0, fmt.Errorf("unexpected /proc/stat format")
	}

	for i, f := range fields[1:] {
		v, perr := strconv.ParseUint(string(f), 10, 64)
		if perr != nil {
			return 0, 0, perr
		}
		total += v
		if i == 3 { // idle is the 4th value
			idle = v
		}
	}
	return idle, total, nil
}

func readMemInfo() (total, avail uint64, err error) {
	data, err := os.ReadFile(procMemInfoPath)
	if err != nil {
		return 0, 0, err
	}

	for line := range bytesLines(data) {
		switch {
		case bytes.HasPrefix(line, []byte(memTotalPrefix)):
			total, err = parseMemInfoLineKiB(line)
		case bytes.HasPrefix(line, []byte(memAvailablePrefix)):
			avail, err = parseMemInfoLineKiB(line)
		}
		if err != nil {
			return 0, 0, err
		}
	}
	if total == 0 {
		return 0, 0, fmt.Errorf("meminfo: MemTotal not found")
	}
	return total, avail, nil
}

func parseMemInfoLineKiB(line []byte) (uint64, error) {
	fields := bytes.Fields(line)
	if len(fields) < minMemInfoFields {
		return 0, fmt.Errorf("meminfo: malformed line %q", line)
	}
	kib, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0, err
	}
	return kib * 1024, nil
}

func bytesLines(data []byte) func(func([]byte) bool) {
	return func(yield func([]byte) bool) {
		for len(data) > 0 {
			line, rest, found := bytes.Cut(data, []byte{'\n'})
			data = rest
			if !yield(line) {
				return
			}
			if !found {
				return
			}
		}
	}
}

func readSysinfo() (total, avail uint64, err error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	total = uint64(info.Totalram) * unit
	avail = uint64(info.Freeram) * unit
	return total, avail, nil
}
