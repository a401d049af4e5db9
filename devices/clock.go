package devices

import "time"

// Clock returns host-monotonic milliseconds. Used only by Timer.
type Clock interface {
	NowMS() uint64
}

// SystemClock is a Clock backed by the host monotonic clock.
type SystemClock struct {
	start time.Time
}

// NewSystemClock creates a SystemClock anchored to the current time.
func NewSystemClock() *SystemClock {
	return &SystemClock{start: time.Now()}
}

// NowMS implements Clock.
func (c *SystemClock) NowMS() uint64 {
	return uint64(time.Since(c.start).Milliseconds())
}
