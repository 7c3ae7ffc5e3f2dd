// Package fakeclock provides a manually advanced timers.Clock for tests.
package fakeclock

import (
	"sync"
	"time"

	"github.com/danmuck/threadlock/internal/timers"
)

// Clock only moves when Advance is called. Callbacks due at or before the
// new time run on the caller's goroutine in fire-time order. AfterFunc with
// a non-positive delay runs the callback immediately.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*timer
}

type timer struct {
	clock   *Clock
	at      time.Time
	seq     uint64
	f       func()
	stopped bool
	fired   bool
}

var _ timers.Clock = (*Clock)(nil)

func New(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) AfterFunc(d time.Duration, f func()) timers.Timer {
	if d <= 0 {
		f()
		return &timer{clock: c, fired: true}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &timer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward by d, firing due callbacks.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

// Waiting reports how many callbacks are armed and not yet fired.
func (c *Clock) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (c *Clock) nextDueLocked(target time.Time) *timer {
	var next *timer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.at.After(target) {
			continue
		}
		if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
			next = t
		}
	}
	return next
}

func (t *timer) Stop() bool {
	if t.clock == nil {
		return false
	}
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
