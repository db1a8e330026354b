// Package cos provides common low-level types and utilities shared across
// this repo, adapted from the teacher's own `cmn/cos`.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/NVIDIA/search-backpressure/cmn/atomic"
)

// ErrValue holds the first error stored into it and a count of how many
// times Store was called; Err() reports "<first error> (cnt=N)" once more
// than one error has been recorded. Used to fold a burst of identical
// per-tick failures (e.g. repeated sensor-unavailable) into one error
// message with an occurrence count, the way the teacher's `cos.ErrValue` folds
// connection-reset bursts.
type ErrValue struct {
	v   atomic.Value
	cnt atomic.Int64
}

func (ea *ErrValue) Store(err error) {
	if ea.cnt.Inc() == 1 {
		ea.v.Store(err)
	}
}

func (ea *ErrValue) load() (err error) {
	if x := ea.v.Load(); x != nil {
		err = x.(error)
	}
	return
}

func (ea *ErrValue) Err() (err error) {
	err = ea.load()
	if err != nil {
		if cnt := ea.cnt.Load(); cnt > 1 {
			err = fmt.Errorf("%w (cnt=%d)", err, cnt)
		}
	}
	return
}
