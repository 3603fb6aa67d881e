package testutil

import (
	"sort"
	"sync"
	"time"

	"github.com/aescanero/dagomon/pkg/resilience"
)

// ManualClock is a resilience.Clock whose time only moves when told to.
// Timers fire synchronously on the goroutine calling Advance or FireNext.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
	seq    int

	// Scheduled records every delay passed to AfterFunc, in call order
	Scheduled []time.Duration

	// IgnoreStop makes Stop report success without cancelling the timer,
	// so stale callbacks still fire
	IgnoreStop bool
}

type manualTimer struct {
	clock   *ManualClock
	at      time.Time
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

// NewManualClock creates a clock starting at start
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the clock's current time
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock passes now+d
func (c *ManualClock) AfterFunc(d time.Duration, f func()) resilience.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, fn: f}
	c.timers = append(c.timers, t)
	c.Scheduled = append(c.Scheduled, d)
	return t
}

// ScheduledDelays returns a copy of every delay scheduled so far
func (c *ManualClock) ScheduledDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.Scheduled))
	copy(out, c.Scheduled)
	return out
}

// Pending returns the number of timers that have neither fired nor been stopped
func (c *ManualClock) Pending() int {
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

// Advance moves time forward by d, firing due timers in deadline order
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// FireNext jumps to the earliest pending timer and fires it.
// It returns false when nothing is pending.
func (c *ManualClock) FireNext() bool {
	t := c.nextDue(time.Time{})
	if t == nil {
		return false
	}
	t.fn()
	return true
}

// nextDue pops the earliest pending timer due at or before target.
// A zero target means any pending timer.
func (c *ManualClock) nextDue(target time.Time) *manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var live []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	c.timers = live
	if len(live) == 0 {
		return nil
	}

	sort.SliceStable(live, func(i, j int) bool {
		if live[i].at.Equal(live[j].at) {
			return live[i].seq < live[j].seq
		}
		return live[i].at.Before(live[j].at)
	})

	t := live[0]
	if !target.IsZero() && t.at.After(target) {
		return nil
	}
	t.fired = true
	if t.at.After(c.now) {
		c.now = t.at
	}
	return t
}

// Stop cancels the timer. It returns false if the timer already fired or was stopped.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	if t.clock.IgnoreStop {
		return true
	}
	t.stopped = true
	return true
}
