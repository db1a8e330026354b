// Package nlog provides the leveled, flush-on-demand logging surface used
// throughout this repo, adapting the teacher's own `cmn/nlog` (itself a
// thin wrapper, there, around a vendored glog) onto the real
// github.com/golang/glog package.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import "github.com/golang/glog"

func Infoln(args ...any)             { glog.Infoln(args...) }
func Infof(format string, a ...any)  { glog.Infof(format, a...) }
func Warningln(args ...any)          { glog.Warningln(args...) }
func Warningf(format string, a ...any) { glog.Warningf(format, a...) }
func Errorln(args ...any)            { glog.Errorln(args...) }
func Errorf(format string, a ...any) { glog.Errorf(format, a...) }

// Flush flushes all pending log I/O; call on clean shutdown.
func Flush() { glog.Flush() }
