package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock stopped at start. Time only moves when Advance is called.
func Fake(start time.Time) *FakeClock {
	c := &FakeClock{now: start}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// FakeClock is a deterministic Clock. AfterFunc callbacks run synchronously inside Advance,
// in deadline order, so a callback that schedules another timer inside the advanced window
// is also fired by the same Advance. Callbacks must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	seq      int

	callback func()
	channel  chan time.Time
	interval time.Duration

	stopped bool
	fired   bool
}

var _ Clock = (*FakeClock)(nil)

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc registers f to run once the clock reaches now+d. A non-positive d is due
// immediately and runs on the next Advance, including Advance(0).
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{deadline: c.now.Add(max(d, 0)), callback: f}
	c.addLocked(w)

	return &Timer{stop: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if w.stopped || w.fired {
			return false
		}
		w.stopped = true
		c.changed.Broadcast()
		return true
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	w := &waiter{deadline: c.now.Add(d), channel: ch, interval: d}
	c.addLocked(w)

	return &Ticker{C: ch, stop: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		w.stopped = true
		c.changed.Broadcast()
	}}
}

func (c *FakeClock) addLocked(w *waiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

// Advance moves the clock forward by d, firing everything that falls due on the way. The
// clock reads each waiter's deadline while its callback runs.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		w, ok := c.nextDue(target)
		if !ok {
			break
		}
		if w.callback != nil {
			w.callback()
			continue
		}
		select {
		case w.channel <- w.deadline:
		default:
		}
	}

	c.mu.Lock()
	c.now = target
	c.mu.Unlock()
}

// nextDue pops the earliest waiter due at or before target and moves the clock to its
// deadline. Tickers are rescheduled for their next interval.
func (c *FakeClock) nextDue(target time.Time) (*waiter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			live = append(live, w)
		}
	}
	c.waiters = live

	sort.SliceStable(c.waiters, func(i, j int) bool {
		if !c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].deadline.Before(c.waiters[j].deadline)
		}
		return c.waiters[i].seq < c.waiters[j].seq
	})

	if len(c.waiters) == 0 || c.waiters[0].deadline.After(target) {
		return nil, false
	}

	w := c.waiters[0]
	if w.deadline.After(c.now) {
		c.now = w.deadline
	}

	if w.interval > 0 {
		fired := *w
		w.deadline = w.deadline.Add(w.interval)
		c.seq++
		w.seq = c.seq
		return &fired, true
	}

	w.fired = true
	c.changed.Broadcast()
	return w, true
}

// WaitForTimers blocks until at least n timers or tickers are pending. Use it to make sure
// a goroutine has armed its timer before calling Advance.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pendingLocked() < n {
		c.changed.Wait()
	}
}

// PendingCount returns the number of timers and tickers that have not fired or been stopped
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendingLocked()
}

func (c *FakeClock) pendingLocked() int {
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}
