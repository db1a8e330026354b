//go:build debug

/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import "fmt"

func assert(cond bool, msg ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, msg...)...))
	}
}

func assertf(cond bool, format string, a ...any) {
	if !cond {
		panic(fmt.Sprintf("assertion failed: "+format, a...))
	}
}

func assertNoErr(err error) {
	if err != nil {
		panic(fmt.Sprintf("assertion failed: unexpected error: %v", err))
	}
}
