// Package watchdog protects checks from blocking forever inside calls that
// may never return, such as a vendor driver call against a wedged device.
//
// A Guard is armed before the risky call and disarmed right after it. If the
// deadline passes while the guard is still armed, the guard expires exactly
// once and invokes its expiry function, normally a job terminator. An
// ordinary error check cannot catch this case because the call never comes
// back to report anything.
//
// A Guard is owned by one check at a time: arming an armed guard is an error.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NavarchProject/intervalcheck/pkg/clock"
	"github.com/NavarchProject/intervalcheck/pkg/metrics"
)

// DefaultTimeout is the guarded-call deadline used when none is configured.
const DefaultTimeout = 30 * time.Second

var (
	// ErrAlreadyArmed is returned when arming a guard that is already armed.
	ErrAlreadyArmed = errors.New("watchdog already armed")

	// ErrExpired is returned when using a guard whose deadline has fired.
	ErrExpired = errors.New("watchdog expired")

	// ErrPreviousCallHung is returned by Protect when the previous guarded
	// call never completed.
	ErrPreviousCallHung = errors.New("previous guarded call did not complete")
)

// Phase is the state of a Guard.
type Phase uint8

const (
	Idle Phase = iota
	Armed
	Disarmed
	Expired
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Armed:
		return "armed"
	case Disarmed:
		return "disarmed"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// ExpiryFunc is called once when a guard detects a hang or a failed
// guarded call. It is expected not to return control to the check in a
// usable state; terminate.Terminator.Terminate matches this signature.
type ExpiryFunc func(ctx context.Context, reason string)

// State is a snapshot of a Guard.
type State struct {
	Phase    Phase
	Timeout  time.Duration
	Deadline time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock sets the clock used for deadlines. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics records expiries and detected hangs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Guard) { g.metrics = m }
}

// Guard is a one-shot deadline around a potentially blocking call.
type Guard struct {
	name     string
	timeout  time.Duration
	onExpiry ExpiryFunc
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics

	// word packs an arm generation (high bits) with the Phase (low byte)
	// so a stale timer from an earlier arm can never expire a later one.
	word     atomic.Uint64
	deadline atomic.Int64

	// passed is false while a guarded call is in flight, and stays false
	// if that call never completes.
	passed atomic.Bool

	mu    sync.Mutex
	timer clock.Timer
}

// New creates a guard. The name identifies the guarded call in logs and
// metrics. A zero timeout selects DefaultTimeout.
func New(name string, timeout time.Duration, onExpiry ExpiryFunc, opts ...Option) (*Guard, error) {
	if name == "" {
		return nil, errors.New("guard name is required")
	}
	if timeout < 0 {
		return nil, fmt.Errorf("watchdog timeout must not be negative, got %v", timeout)
	}
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if onExpiry == nil {
		return nil, errors.New("expiry function is required")
	}

	g := &Guard{
		name:     name,
		timeout:  timeout,
		onExpiry: onExpiry,
		clock:    clock.Real(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "watchdog"), slog.String("guard", name))
	g.passed.Store(true)
	return g, nil
}

func pack(gen uint64, p Phase) uint64 {
	return gen<<8 | uint64(p)
}

func unpack(w uint64) (uint64, Phase) {
	return w >> 8, Phase(w & 0xff)
}

// Arm starts the deadline. It fails if the guard is already armed or has
// expired.
func (g *Guard) Arm() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		w := g.word.Load()
		gen, phase := unpack(w)
		switch phase {
		case Armed:
			return ErrAlreadyArmed
		case Expired:
			return ErrExpired
		}

		next := gen + 1
		if !g.word.CompareAndSwap(w, pack(next, Armed)) {
			continue
		}

		g.deadline.Store(g.clock.Now().Add(g.timeout).UnixNano())
		g.timer = g.clock.AfterFunc(g.timeout, func() { g.expire(next) })
		g.logger.Debug("watchdog armed", slog.Duration("timeout", g.timeout))
		return nil
	}
}

// Disarm cancels a pending deadline. It returns true if the guard was
// armed. Disarming an expired or idle guard does nothing.
func (g *Guard) Disarm() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.word.Load()
	gen, phase := unpack(w)
	if phase != Armed {
		return false
	}
	if !g.word.CompareAndSwap(w, pack(gen, Disarmed)) {
		// Lost the race against expiry.
		return false
	}
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.logger.Debug("watchdog disarmed")
	return true
}

// expire runs on the timer goroutine. Only the arm generation that
// scheduled it can move the guard to Expired.
func (g *Guard) expire(gen uint64) {
	if !g.word.CompareAndSwap(pack(gen, Armed), pack(gen, Expired)) {
		return
	}

	reason := fmt.Sprintf("watchdog for %s expired: call hung for %v", g.name, g.timeout)
	g.metrics.RecordWatchdogExpiry(g.name)
	g.logger.Error("watchdog expired", slog.Duration("timeout", g.timeout))
	g.onExpiry(context.Background(), reason)
}

// Protect runs fn under the guard.
//
// If the previous guarded call never completed, Protect escalates at once
// and does not call fn again. Otherwise it arms the guard, calls fn and
// disarms. An error from fn escalates as well: failing to start a call and
// a call reporting failure are treated the same.
func (g *Guard) Protect(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, phase := unpack(g.word.Load()); phase == Expired {
		return ErrExpired
	}

	if !g.passed.Load() {
		g.metrics.RecordHangDetected(g.name)
		reason := fmt.Sprintf("%s: previous call never completed, likely hung", g.name)
		g.logger.ErrorContext(ctx, "hang detected on entry")
		g.onExpiry(ctx, reason)
		return ErrPreviousCallHung
	}

	g.passed.Store(false)

	if err := g.Arm(); err != nil {
		g.onExpiry(ctx, fmt.Sprintf("%s: failed to arm watchdog: %v", g.name, err))
		return fmt.Errorf("arm watchdog: %w", err)
	}

	err := fn(ctx)

	if !g.Disarm() {
		// The deadline fired and already escalated.
		return ErrExpired
	}

	if err != nil {
		g.logger.ErrorContext(ctx, "guarded call failed", slog.String("error", err.Error()))
		g.onExpiry(ctx, fmt.Sprintf("%s: %v", g.name, err))
		return fmt.Errorf("%s: %w", g.name, err)
	}

	g.passed.Store(true)
	return nil
}

// Name returns the guard name.
func (g *Guard) Name() string {
	return g.name
}

// PassedLastCheck reports whether the most recent guarded call completed.
func (g *Guard) PassedLastCheck() bool {
	return g.passed.Load()
}

// State returns a snapshot of the guard.
func (g *Guard) State() State {
	_, phase := unpack(g.word.Load())
	s := State{Phase: phase, Timeout: g.timeout}
	if phase == Armed || phase == Expired {
		s.Deadline = time.Unix(0, g.deadline.Load())
	}
	return s
}
