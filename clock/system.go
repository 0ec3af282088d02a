// Package clock is the pipeline's source of time. Eviction sweeps, quiet windows and saga aging all read it
// so tests can drive them with a manual clock.
package clock

import "time"

type Clock interface {
	Now() time.Time
	// After behaves like time.After.
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
