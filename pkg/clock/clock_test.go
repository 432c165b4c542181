package clock

import (
	"testing"
	"time"
)

func TestRealClock_Now(t *testing.T) {
	c := Real()
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestRealClock_AfterFunc(t *testing.T) {
	c := Real()
	done := make(chan struct{})
	c.AfterFunc(10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AfterFunc did not fire")
	}
}

func TestRealClock_NewTicker(t *testing.T) {
	c := Real()
	ticker := c.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	var count int
	timeout := time.After(time.Second)

loop:
	for {
		select {
		case <-ticker.C():
			count++
			if count >= 3 {
				break loop
			}
		case <-timeout:
			break loop
		}
	}

	if count < 3 {
		t.Errorf("ticker fired %d times, want >= 3", count)
	}
}

func TestFakeClock_AfterFunc(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFakeClock(start)

	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatalf("fired after 9s, want not yet")
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after 10s, want 1", fired)
	}

	c.Advance(time.Hour)
	if fired != 1 {
		t.Errorf("fired = %d after further advance, want 1", fired)
	}
	if got := c.Now(); !got.Equal(start.Add(time.Hour + 10*time.Second)) {
		t.Errorf("Now() = %v", got)
	}
}

func TestFakeClock_AfterFuncStop(t *testing.T) {
	c := NewFakeClock(time.Now())

	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() = false on pending timer, want true")
	}
	if timer.Stop() {
		t.Error("second Stop() = true, want false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.PendingTimers() != 0 {
		t.Errorf("PendingTimers() = %d, want 0", c.PendingTimers())
	}
}

func TestFakeClock_AfterFuncOrder(t *testing.T) {
	c := NewFakeClock(time.Now())

	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(5 * time.Second)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	c := NewFakeClock(time.Now())
	ticker := c.NewTicker(time.Second)

	c.Advance(time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected tick after 1s")
	}

	// Unread ticks are dropped rather than queued.
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
	default:
		t.Fatal("expected tick after 6s")
	}
	select {
	case <-ticker.C():
		t.Fatal("expected only one buffered tick")
	default:
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-ticker.C():
		t.Fatal("stopped ticker delivered a tick")
	default:
	}
}

func TestFakeClock_NewTickerPanicsOnZero(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero interval")
		}
	}()
	NewFakeClock(time.Now()).NewTicker(0)
}
