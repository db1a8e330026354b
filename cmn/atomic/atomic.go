// Package atomic re-exports the handful of go.uber.org/atomic types this
// repo actually uses, under the short names the rest of the tree imports
// (`atomic.Int64`, `atomic.Bool`, ...). Centralizing the alias here means
// a future swap of the underlying atomic package touches one file.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package atomic

import "go.uber.org/atomic"

type (
	Bool    = atomic.Bool
	Int32   = atomic.Int32
	Int64   = atomic.Int64
	Uint64  = atomic.Uint64
	Value   = atomic.Value
	Float64 = atomic.Float64
)

func NewBool(v bool) *Bool       { return atomic.NewBool(v) }
func NewInt32(v int32) *Int32    { return atomic.NewInt32(v) }
func NewInt64(v int64) *Int64    { return atomic.NewInt64(v) }
func NewUint64(v uint64) *Uint64 { return atomic.NewUint64(v) }
