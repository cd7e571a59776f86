// Package clock abstracts timer scheduling so that components driven by
// idle/warning/refresh timers can be tested against a deterministic fake
// instead of the wall clock.
package clock

import "time"

// Timer is a handle to a scheduled callback. Stop reports whether the call
// was prevented from firing.
type Timer interface {
	Stop() bool
}

// Scheduler schedules one-shot callbacks and reports the current time.
type Scheduler interface {
	Now() time.Time

	// AfterFunc runs fn on its own goroutine after d has elapsed.
	AfterFunc(d time.Duration, fn func()) Timer
}

// System returns a Scheduler backed by the real clock.
func System() Scheduler {
	return systemScheduler{}
}

type systemScheduler struct{}

func (systemScheduler) Now() time.Time {
	return time.Now()
}

func (systemScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
