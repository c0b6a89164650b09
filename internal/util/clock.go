package util

import "time"

// Clock abstracts time for testability. Components that own rolling
// windows or probe timestamps take a Clock so tests can pin time
// instead of sleeping.
type Clock interface {
	Now() time.Time
}

// RealClock uses the system clock.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	T time.Time
}

// Now returns the pinned time.
func (c *FakeClock) Now() time.Time { return c.T }

// Advance moves the pinned time forward.
func (c *FakeClock) Advance(d time.Duration) { c.T = c.T.Add(d) }
