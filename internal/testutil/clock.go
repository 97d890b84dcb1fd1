package testutil

import (
	"context"
	"sync"
	"time"
)

// FakeClock is a manually driven clock.
//
// Sleep advances virtual time by the requested duration instead of blocking,
// so a race that waits minutes runs in microseconds. RealDelay, when set,
// makes every Sleep also block for that long in real time, which lets other
// goroutines interleave (cancellation tests).
//
// Thread-safety: all methods are safe for concurrent use.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
	slept  time.Duration

	RealDelay time.Duration
	// OnSleep runs after each Sleep advanced the clock, with the sleep count (1-based).
	OnSleep func(n int, now time.Time)
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward without counting as a sleep.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	if c.RealDelay > 0 {
		t := time.NewTimer(c.RealDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}

	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
		c.slept += d
	}
	c.sleeps++
	n, now, hook := c.sleeps, c.now, c.OnSleep
	c.mu.Unlock()

	if hook != nil {
		hook(n, now)
	}
	return ctx.Err() == nil
}

// Sleeps returns how many times Sleep advanced the clock.
func (c *FakeClock) Sleeps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}

// Slept returns the total virtual time spent in Sleep.
func (c *FakeClock) Slept() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slept
}
