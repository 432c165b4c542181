// Package scheduler runs registered checks on a fixed interval.
//
// A single goroutine owns the ticker and invokes every callback in
// registration order, so ticks never overlap. A callback stuck inside a hung
// call blocks every later tick; detecting that is the job of the watchdog
// package, not the scheduler.
package scheduler

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
	"github.com/NavarchProject/intervalcheck/pkg/registry"
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("scheduler already started")

// Config controls when callbacks run.
type Config struct {
	// Interval is the ticker period.
	Interval time.Duration

	// InitialSkips is the tick count before which callbacks do not run.
	InitialSkips uint64

	// Stride runs callbacks on every Stride-th tick once the initial
	// skips have passed. Must be at least 1.
	Stride uint64

	// OneShot stops running callbacks after the first run.
	OneShot bool
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", c.Interval)
	}
	if c.Stride == 0 {
		return errors.New("stride must be at least 1")
	}
	return nil
}

// ShouldRun reports whether callbacks run on the given tick.
func (c Config) ShouldRun(tick uint64, fired bool) bool {
	if tick < c.InitialSkips {
		return false
	}
	if (tick-c.InitialSkips)%c.Stride != 0 {
		return false
	}
	return !(c.OneShot && fired)
}

// State is a snapshot of the scheduler's progress.
type State struct {
	TickCount uint64
	Fired     bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock. Defaults to clock.Real().
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records ticks and callback runs.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// Scheduler invokes callbacks on a repeating interval.
type Scheduler struct {
	config  Config
	entries []registry.Entry
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	tickCount atomic.Uint64
	fired     atomic.Bool
	started   atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a scheduler for the given, already resolved, entries.
func New(cfg Config, entries []registry.Entry, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if len(entries) == 0 {
		return nil, registry.ErrNoCallbacks
	}

	s := &Scheduler{
		config:  cfg,
		entries: append([]registry.Entry(nil), entries...),
		clock:   clock.Real(),
		logger:  slog.Default(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "scheduler"))
	return s, nil
}

// Start arms the ticker and returns. The first tick is delivered
// immediately, later ticks every Interval. Ticks stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(s.config.Interval)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "scheduler started",
		slog.Duration("interval", s.config.Interval),
		slog.Uint64("initial_skips", s.config.InitialSkips),
		slog.Uint64("stride", s.config.Stride),
		slog.Bool("one_shot", s.config.OneShot),
		slog.Int("callbacks", len(s.entries)),
	)

	go s.loop(ctx, ticker)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, ticker clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.tick(ctx)
		}
	}
}

// tick advances the tick count and runs the callbacks if due.
func (s *Scheduler) tick(ctx context.Context) {
	tick := s.tickCount.Add(1)
	s.metrics.RecordTick()

	if !s.config.ShouldRun(tick, s.fired.Load()) {
		s.logger.DebugContext(ctx, "tick skipped", slog.Uint64("tick", tick))
		return
	}

	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}
		start := s.clock.Now()
		e.Fn(ctx)
		elapsed := s.clock.Now().Sub(start)

		s.metrics.RecordCallback(e.Name, elapsed)
		s.logger.DebugContext(ctx, "callback completed",
			slog.String("callback", e.Name),
			slog.Uint64("tick", tick),
			slog.Duration("elapsed", elapsed),
		)
	}
	s.fired.Store(true)
}

// Stop cancels future ticks. It does not wait for a running tick; use
// Wait for that.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// Wait blocks until the scheduler goroutine has exited. It only returns
// after Start has been called and the scheduler stopped.
func (s *Scheduler) Wait() {
	<-s.done
}

// State returns the current tick count and whether callbacks have run.
func (s *Scheduler) State() State {
	return State{
		TickCount: s.tickCount.Load(),
		Fired:     s.fired.Load(),
	}
}
