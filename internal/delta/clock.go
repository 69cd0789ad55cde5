package delta

import "time"

// Clock abstracts wall time so the collector's timer races are
// deterministically testable. Production code uses WallClock; tests drive a
// fake clock by hand.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc schedules f to run after d elapses and returns a handle
	// that can stop or reset the pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is the controllable handle returned by Clock.AfterFunc.
type Timer interface {
	// Stop cancels the pending call. Reports whether it was still pending.
	Stop() bool

	// Reset reschedules the call for d from now. Reports whether it was
	// still pending.
	Reset(d time.Duration) bool
}

type wallClock struct{}

// WallClock returns the real-time clock backed by the time package.
func WallClock() Clock {
	return wallClock{}
}

func (wallClock) Now() time.Time {
	return time.Now()
}

func (wallClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
