package actuator

import "time"

// TimePoint is a reading of the host monotonic clock in nanoseconds since
// an arbitrary epoch.
type TimePoint int64

// Seconds converts a number of seconds since the epoch to a TimePoint.
func Seconds(s float64) TimePoint {
	return TimePoint(s * float64(time.Second))
}

// Add returns t+d.
func (t TimePoint) Add(d time.Duration) TimePoint { return t + TimePoint(d) }

// Sub returns t-u.
func (t TimePoint) Sub(u TimePoint) time.Duration { return time.Duration(t - u) }

// Before reports whether t is before u.
func (t TimePoint) Before(u TimePoint) bool { return t < u }

// Seconds returns t in seconds since the epoch.
func (t TimePoint) Seconds() float64 { return time.Duration(t).Seconds() }

// Clock hands out TimePoints relative to its creation.
type Clock struct {
	epoch time.Time
}

// NewClock starts a clock at zero.
func NewClock() *Clock {
	return &Clock{epoch: time.Now()}
}

// Now returns the current TimePoint. It uses the monotonic reading of
// time.Now, so wall clock steps do not affect it.
func (c *Clock) Now() TimePoint {
	return TimePoint(time.Since(c.epoch))
}

// Epoch returns the wall time of TimePoint zero.
func (c *Clock) Epoch() time.Time { return c.epoch }
