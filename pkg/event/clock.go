package event

import "time"

// The pipeline timestamps every event with a process-local monotonic
// nanosecond clock so that per-thread streams are comparable without a
// wall-clock dependency. The session manifest records the calibration
// pair taken at session start.

var clockBase = time.Now()

// Now returns monotonic nanoseconds since process start.
func Now() uint64 {
	return uint64(time.Since(clockBase))
}

// Calibration returns the wall-clock instant corresponding to monotonic
// zero plus the current monotonic reading, for manifest calibration.
func Calibration() (wall time.Time, monoNs uint64) {
	return clockBase, Now()
}
