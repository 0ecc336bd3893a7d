package hub

import (
	"sync"
	"time"
)

// Clock hands out strictly increasing UTC timestamps at microsecond
// precision, the resolution DuckDB stores. Two writes never share an
// updatedAt, and a wall clock stepping backwards cannot reorder them.
type Clock struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewClock returns a clock reading from now. A nil now uses time.Now.
func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

// Seed raises the floor so later ticks come after t. Used at open with the
// largest timestamp already persisted.
func (c *Clock) Seed(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t = t.UTC().Truncate(time.Microsecond)
	if t.After(c.last) {
		c.last = t
	}
}

// Tick returns a timestamp strictly after every previous tick.
func (c *Clock) Tick() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
