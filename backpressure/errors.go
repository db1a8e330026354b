// Package backpressure implements a node-local search backpressure
// controller: a periodic control loop that monitors resource pressure on
// a single server and, when the node is under duress, cancels in-flight
// search shard tasks disproportionately responsible for that pressure.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package backpressure

import (
	stderrors "errors"

	"github.com/pkg/errors"
)

// Error taxonomy (see design doc §7 "ERROR HANDLING DESIGN"). Every error
// a tick can encounter is contained within the tick: the periodic schedule
// itself is never disrupted by a single tick's failure.
var (
	// ErrSensorUnavailable: a CPU or heap supplier could not produce a
	// reading this round. Treated as "not breached" for that one
	// observation; never used to reset the other streak.
	ErrSensorUnavailable = stderrors.New("resource sensor unavailable")

	// ErrRefreshFailed: the task registry could not refresh live task
	// stats. Non-fatal - the tick proceeds with whatever stats are
	// cached on the task handles.
	ErrRefreshFailed = stderrors.New("task stats refresh failed")

	// ErrTrackerPanic: a tracker raised while computing update()/
	// cancellation_reason() for one task. That tracker contributes no
	// verdict for that task this tick; other trackers and other tasks
	// are unaffected.
	ErrTrackerPanic = stderrors.New("tracker failed")

	// ErrCancelFailed: task.Cancel() returned an error. last_cancelled_task
	// is not updated and the cancellation counter is not incremented;
	// other candidates in the same tick still proceed.
	ErrCancelFailed = stderrors.New("task cancel failed")
)

// wrapf attaches a contextual message to cause. The controller passes one
// of the sentinels above as cause, the way the teacher wraps assorted I/O
// and tracker errors with github.com/pkg/errors, so a later `errors.Cause`
// recovers the taxonomy class for logging/metrics while the message keeps
// the detail. TaskCancellation.Cancel wraps the task's own error instead;
// the controller then reports that failure under ErrCancelFailed.
func wrapf(cause error, format string, args ...any) error {
	return errors.Wrapf(cause, format, args...)
}
