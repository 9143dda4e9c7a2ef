// Package clock abstracts the time source so TTLs, token refill and eviction
// scoring can be driven deterministically in tests.
package clock

import (
	"fmt"
	"sync"
	"time"
)

// Clock returns the current time. Successive calls on one instance must not
// go backwards.
type Clock interface {
	Now() time.Time
}

type System struct{}

func NewSystem() System {
	return System{}
}

func (System) Now() time.Time {
	return time.Now()
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (c *Manual) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d. Negative values are rejected.
func (c *Manual) Advance(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("delta must be >= 0, got: %s", d)
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func (c *Manual) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}
