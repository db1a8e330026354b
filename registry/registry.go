// Package registry is a concrete backpressure.TaskRegistry: a sharded
// map of live tasks, each backed by atomically-updated stat fields so
// the controller's tick can read them without taking the registry's own
// lock. Modeled on the teacher's sharded-map pattern used throughout
// core for tracking in-flight xactions.
package registry

import (
	"sync"

	"github.com/NVIDIA/search-backpressure/backpressure"
	"github.com/NVIDIA/search-backpressure/cmn/atomic"
	"github.com/NVIDIA/search-backpressure/cmn/debug"
)

const numShards = 16

// StatSource supplies a task's current cumulative CPU/heap usage on
// demand; RefreshStats calls it once per live task. Production code
// wires this to whatever per-task accounting the search engine already
// maintains; tests can inject a deterministic source.
type StatSource interface {
	CPUNanos(taskID string) int64
	HeapBytes(taskID string) int64
}

// Task is the reference backpressure.Task implementation: every mutable
// field is an atomic cell so CPUNanos/HeapBytes/Cancelled/Cancel are all
// safe to call concurrently with Registry.RefreshStats and with each
// other.
type Task struct {
	id         string
	action     string
	kind       backpressure.TaskKind
	startNanos int64

	cpuNanos  atomic.Int64
	heapBytes atomic.Int64
	cancelled atomic.Bool
	onCancel  func(reason string) error
}

// NewTask constructs a Task. onCancel is invoked exactly once, the first
// time Cancel is called; subsequent Cancel calls are no-ops returning
// nil, matching the "tolerate being called more than once" contract in
// backpressure.Task.
func NewTask(id, action string, kind backpressure.TaskKind, startNanos int64, onCancel func(reason string) error) *Task {
	return &Task{id: id, action: action, kind: kind, startNanos: startNanos, onCancel: onCancel}
}

func (t *Task) ID() string                    { return t.id }
func (t *Task) Action() string                 { return t.action }
func (t *Task) Kind() backpressure.TaskKind    { return t.kind }
func (t *Task) CPUNanos() int64                { return t.cpuNanos.Load() }
func (t *Task) HeapBytes() int64               { return t.heapBytes.Load() }
func (t *Task) StartNanos() int64              { return t.startNanos }
func (t *Task) Cancelled() bool                { return t.cancelled.Load() }

func (t *Task) Cancel(reason string) error {
	if t.cancelled.Swap(true) {
		return nil
	}
	if t.onCancel == nil {
		return nil
	}
	return t.onCancel(reason)
}

// setStats is called by Registry.RefreshStats to fold in a fresh
// reading; it never goes backward within a single RefreshStats pass,
// but this type does not itself enforce monotonicity - that is the
// StatSource's contract, mirroring CPUNanos/HeapBytes as a cumulative
// counter owned by the execution engine.
func (t *Task) setStats(cpu, heap int64) {
	t.cpuNanos.Store(cpu)
	t.heapBytes.Store(heap)
}

// Registry is a sharded live-task map, keyed by task ID, backed by a
// StatSource for refreshing per-task resource usage.
type Registry struct {
	shards [numShards]shard
	source StatSource
}

type shard struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewRegistry constructs an empty Registry.
func NewRegistry(source StatSource) *Registry {
	r := &Registry{source: source}
	for i := range r.shards {
		r.shards[i].tasks = make(map[string]*Task)
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return &r.shards[h%numShards]
}

// Add registers t as a live task. Safe to call concurrently with any
// Registry method.
func (r *Registry) Add(t *Task) {
	sh := r.shardFor(t.id)
	sh.mu.Lock()
	sh.tasks[t.id] = t
	sh.mu.Unlock()
}

// Remove drops a task from the live set, e.g. once its completion has
// been observed by the controller.
func (r *Registry) Remove(id string) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	delete(sh.tasks, id)
	sh.mu.Unlock()
}

// LiveSearchShardTasks returns every currently-registered search-shard
// task as a snapshot slice.
func (r *Registry) LiveSearchShardTasks() []backpressure.Task {
	var out []backpressure.Task
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, t := range sh.tasks {
			if t.kind == backpressure.KindSearchShard {
				out = append(out, t)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// RefreshStats asks the registry's StatSource for each task's current
// cumulative CPU/heap usage and stores it on the task. StatSource has no
// way to report a missing reading, so whatever it returns is stored;
// only tasks that are not *Task values are skipped.
func (r *Registry) RefreshStats(tasks []backpressure.Task) error {
	if r.source == nil {
		return nil
	}
	for _, bt := range tasks {
		t, ok := bt.(*Task)
		if !ok {
			continue
		}
		debug.Assert(t.kind == backpressure.KindSearchShard, "RefreshStats given a non-search-shard task")
		t.setStats(r.source.CPUNanos(t.id), r.source.HeapBytes(t.id))
	}
	return nil
}
