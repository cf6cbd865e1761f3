// Package ticks implements the global recency clock: a monotonically
// increasing counter guarded by its own spin lock and advanced by a timer.
package ticks

import (
	"context"
	"time"

	"github.com/sushant-115/gojokern/core/klock"
)

// Counter is a lock-protected monotonic tick counter. The zero value starts at 0.
type Counter struct {
	lock  klock.Spinlock
	ticks uint64
}

// NewCounter returns a counter starting at start.
func NewCounter(start uint64) *Counter {
	return &Counter{ticks: start}
}

// Now returns the current tick, read under the counter's lock.
func (c *Counter) Now() uint64 {
	c.lock.Acquire()
	t := c.ticks
	c.lock.Release()
	return t
}

// Advance increments the counter and returns the new value.
func (c *Counter) Advance() uint64 {
	c.lock.Acquire()
	c.ticks++
	t := c.ticks
	c.lock.Release()
	return t
}

// Run advances the counter once per interval until ctx is done, standing in
// for the timer interrupt.
func (c *Counter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Advance()
		}
	}
}
