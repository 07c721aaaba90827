// Package clock provides an injectable time source so components that
// measure sliding windows or schedule wakeups can be tested against a
// controllable clock instead of the wall clock.
package clock

import "time"

// TimeSource abstracts the clock operations used across the module.
type TimeSource interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// AfterFunc schedules f to run after d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop cancels the timer. It reports whether the callback was
	// prevented from running.
	Stop() bool
}

// NewRealTimeSource returns a TimeSource backed by the system clock.
func NewRealTimeSource() TimeSource {
	return realTimeSource{}
}

type realTimeSource struct{}

func (realTimeSource) Now() time.Time {
	return time.Now()
}

func (realTimeSource) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (realTimeSource) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool {
	return t.timer.Stop()
}
