// Package clock provides time abstractions so the scheduler and watchdog
// can be driven deterministically in tests.
//
// In production, use Real() which wraps the standard time package.
// In tests, use NewFakeClock() and call Advance().
package clock

import "time"

// Clock provides the time operations used by the scheduler and watchdog.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc waits for the duration to elapse and then calls f.
	// It returns a Timer that can be used to cancel the call.
	AfterFunc(d time.Duration, f func()) Timer

	// NewTicker returns a new Ticker containing a channel that will send
	// the current time after each tick.
	NewTicker(d time.Duration) Ticker
}

// Ticker wraps time.Ticker functionality.
type Ticker interface {
	// C returns the channel on which ticks are delivered.
	C() <-chan time.Time

	// Stop turns off the ticker. After Stop, no more ticks will be sent.
	Stop()
}

// Timer is a cancellable one-shot callback.
type Timer interface {
	// Stop prevents the Timer from firing. It returns true if the call
	// stops the timer, false if the timer has already expired or been stopped.
	Stop() bool
}
