package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a deterministic clock for tests.
//
// Time only advances when Advance is called. Expired AfterFunc callbacks run
// synchronously on the goroutine calling Advance, in deadline order, so a test
// observes their effects as soon as Advance returns. Tickers deliver on a
// buffered channel and drop ticks the reader has not consumed, like
// time.Ticker.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	nextID  uint64
	waiters []*waiter
}

type waiter struct {
	id       uint64
	deadline time.Time
	fn       func()
	ticker   *fakeTicker
}

// NewFakeClock creates a FakeClock starting at the given time.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules f to run once the clock has been advanced by d.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := c.addLocked(c.now.Add(d))
	w.fn = f
	return &fakeTimer{clock: c, id: w.id}
}

// NewTicker returns a Ticker that ticks every d of fake time.
func (c *FakeClock) NewTicker(d time.Duration) Ticker {
	if d <= 0 {
		panic("non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTicker{
		clock:    c,
		interval: d,
		ch:       make(chan time.Time, 1),
	}
	w := c.addLocked(c.now.Add(d))
	w.ticker = t
	t.id = w.id
	return t
}

// Advance moves the clock forward by d, firing every timer and ticker
// whose deadline is reached.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)

	for {
		w := c.popDueLocked(target)
		if w == nil {
			break
		}
		c.now = w.deadline

		if w.ticker != nil {
			select {
			case w.ticker.ch <- w.deadline:
			default:
			}
			next := c.addLocked(w.deadline.Add(w.ticker.interval))
			next.ticker = w.ticker
			w.ticker.id = next.id
			continue
		}

		// Run callbacks without the lock so they can use the clock.
		c.mu.Unlock()
		w.fn()
		c.mu.Lock()
	}

	c.now = target
	c.mu.Unlock()
}

// PendingTimers returns the number of scheduled timers and tickers.
func (c *FakeClock) PendingTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

// addLocked registers a waiter. Caller must hold c.mu.
func (c *FakeClock) addLocked(deadline time.Time) *waiter {
	c.nextID++
	w := &waiter{id: c.nextID, deadline: deadline}
	c.waiters = append(c.waiters, w)
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].id < c.waiters[j].id
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	return w
}

// popDueLocked removes and returns the earliest waiter due at or before t.
func (c *FakeClock) popDueLocked(t time.Time) *waiter {
	if len(c.waiters) == 0 || c.waiters[0].deadline.After(t) {
		return nil
	}
	w := c.waiters[0]
	c.waiters = c.waiters[1:]
	return w
}

// removeLocked removes the waiter with the given id.
func (c *FakeClock) removeLocked(id uint64) bool {
	for i, w := range c.waiters {
		if w.id == id {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return true
		}
	}
	return false
}

type fakeTimer struct {
	clock *FakeClock
	id    uint64
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	return t.clock.removeLocked(t.id)
}

type fakeTicker struct {
	clock    *FakeClock
	interval time.Duration
	ch       chan time.Time
	id       uint64
}

func (t *fakeTicker) C() <-chan time.Time {
	return t.ch
}

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.clock.removeLocked(t.id)
}
