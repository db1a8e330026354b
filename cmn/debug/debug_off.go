//go:build !debug

/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package debug

func assert(bool, ...any)          {}
func assertf(bool, string, ...any) {}
func assertNoErr(error)            {}
