package util

import "time"

var (
	// SystemClock wraps time.Now() and time.Sleep().
	SystemClock Clock = systemClock{}

	// TestClock is a mock Clock for use in tests. Every call to Now()
	// advances time by 1 nanosecond; Sleep() advances by d without
	// blocking. Every test that relies on it should call Reset() first.
	TestClock MockClock
)

// Clock abstracts time.Now/time.Sleep so pairing and lock-acquisition
// backoff loops can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time       { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// MockClock is a Clock whose Sleep doesn't block; it just advances the
// clock, so backoff-loop tests run instantly.
type MockClock struct {
	now time.Time
}

func (c *MockClock) Reset() {
	c.now = time.Unix(1, 0)
}

func (c *MockClock) Now() time.Time {
	now := c.now
	// Two reads of Now should never return the same value.
	c.Advance(time.Nanosecond)
	return now
}

func (c *MockClock) Sleep(d time.Duration) {
	c.Advance(d)
}

func (c *MockClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}
