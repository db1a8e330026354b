// Package debug provides build-tag gated assertions, mirroring the
// teacher's own `cmn/debug`: calls are no-ops unless built with `-tags
// debug`, so invariant checks can be liberally sprinkled through hot paths
// without a production cost.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

// Assert panics with msg (if provided) when cond is false. No-op in
// non-debug builds; see debug_on.go / debug_off.go.
func Assert(cond bool, msg ...any) {
	assert(cond, msg...)
}

// Assertf is the Printf-style counterpart of Assert.
func Assertf(cond bool, format string, a ...any) {
	assertf(cond, format, a...)
}

// AssertNoErr panics on a non-nil err. No-op in non-debug builds.
func AssertNoErr(err error) {
	assertNoErr(err)
}
