package backpressure

import "time"

func nanosToDuration(ns int64) time.Duration { return time.Duration(ns) }
