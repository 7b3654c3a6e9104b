package util

import (
	"sync"
	"time"
)

// Clock is the time source used for expirations. Implementations must return
// instants that carry a monotonic reading so that comparisons are immune to
// wall-clock adjustments.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a manually advanced clock. It is anchored to a real time.Now()
// reading, so instants it returns still compare on the monotonic clock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Now()}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
