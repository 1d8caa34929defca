// internal/sim/clock.go
package sim

import (
	"sync"
	"time"
)

// Clock is a virtual clock whose waits complete immediately.
// It records the total time waited.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	waited time.Duration
	waits  []time.Duration
}

// NewClock creates a virtual clock starting at start
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the virtual time
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the virtual time by d and fires at once
func (c *Clock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.waited += d
	c.waits = append(c.waits, d)
	now := c.now
	c.mu.Unlock()

	fired := make(chan time.Time, 1)
	fired <- now
	return fired
}

// Waited returns the sum of every wait
func (c *Clock) Waited() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waited
}

// Waits returns each wait in order
func (c *Clock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}
