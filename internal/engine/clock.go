package engine

import "time"

// CancelFunc stops a timer armed by Clock.AfterFunc. It reports whether the
// call prevented the callback from running. It is an alias so clocks outside
// this package satisfy Clock without importing it.
type CancelFunc = func() bool

// Clock is the engine's source of time. Every timestamp written into a
// session and every debounce or retry timer goes through it, so tests can
// drive the engine with a fake clock.
//
// AfterFunc must never invoke fn synchronously from within the call.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) CancelFunc
}

// SystemClock is the wall-clock implementation backed by the time package.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc runs fn on its own goroutine after d has elapsed.
func (SystemClock) AfterFunc(d time.Duration, fn func()) CancelFunc {
	t := time.AfterFunc(d, fn)
	return t.Stop
}
