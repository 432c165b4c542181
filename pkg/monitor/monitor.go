// Package monitor assembles the interval check: it elects a leader on the
// node, resolves the configured checks and starts the scheduler.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NavarchProject/intervalcheck/pkg/clock"
	"github.com/NavarchProject/intervalcheck/pkg/config"
	"github.com/NavarchProject/intervalcheck/pkg/election"
	"github.com/NavarchProject/intervalcheck/pkg/gpu"
	"github.com/NavarchProject/intervalcheck/pkg/metrics"
	"github.com/NavarchProject/intervalcheck/pkg/registry"
	"github.com/NavarchProject/intervalcheck/pkg/scheduler"
	"github.com/NavarchProject/intervalcheck/pkg/terminate"
)

// ErrAlreadyStarted is returned when Start is called more than once.
var ErrAlreadyStarted = errors.New("monitor already started")

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithMetrics records scheduler, watchdog and termination metrics.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) { m.metrics = mt }
}

// WithClock sets the clock for the scheduler and watchdogs.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithGPUManager replaces the NVML manager used by the gpu_health check.
func WithGPUManager(g gpu.Manager) Option {
	return func(m *Monitor) { m.gpu = g }
}

// WithTerminator replaces the terminator built from the kill config.
func WithTerminator(t *terminate.Terminator) Option {
	return func(m *Monitor) { m.terminator = t }
}

// WithCallback registers an additional callback under name. It may be
// selected in the callback list like a built-in check.
func WithCallback(name string, fn registry.Callback) Option {
	return func(m *Monitor) { m.extra = append(m.extra, registry.Entry{Name: name, Fn: fn}) }
}

// Monitor owns the election lease and the scheduler for one process.
type Monitor struct {
	config     *config.Config
	base       *slog.Logger
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock
	gpu        gpu.Manager
	terminator *terminate.Terminator
	extra      []registry.Entry

	mu        sync.Mutex
	started   bool
	lease     *election.Lease
	scheduler *scheduler.Scheduler
	entries   []registry.Entry
}

// New creates a monitor. The configuration must already be validated.
func New(cfg *config.Config, opts ...Option) (*Monitor, error) {
	m := &Monitor{
		config: cfg,
		logger: slog.Default(),
		clock:  clock.Real(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.base = m.logger
	m.logger = m.base.With(slog.String("component", "monitor"))

	if m.terminator == nil {
		t, err := NewTerminator(cfg, m.base, m.metrics)
		if err != nil {
			return nil, err
		}
		m.terminator = t
	}
	if m.gpu == nil {
		m.gpu = gpu.NewNVML()
	}
	return m, nil
}

// Start elects, resolves and starts ticking. A process that loses the
// election returns nil and never ticks. Resolution is all-or-nothing: if any
// configured name is unknown, nothing is scheduled.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	if m.config.Election.PerNode {
		lease, err := election.Elect(m.config.LockPath())
		if err != nil {
			return fmt.Errorf("leader election: %w", err)
		}
		m.lease = lease
		if !lease.IsLeader() {
			m.metrics.SetLeader(false)
			m.logger.InfoContext(ctx, "another process owns the node timer, not scheduling checks",
				slog.String("lock", lease.Path()),
			)
			return nil
		}
		m.logger.InfoContext(ctx, "won node election", slog.String("lock", lease.Path()))
	}
	m.metrics.SetLeader(true)

	names := registry.ParseNames(m.config.Callbacks)
	catalog, err := m.catalog(names)
	if err != nil {
		return err
	}
	entries, err := catalog.Resolve(names)
	if err != nil {
		return fmt.Errorf("resolve callbacks: %w", err)
	}

	sched, err := scheduler.New(m.config.SchedulerConfig(), entries,
		scheduler.WithClock(m.clock),
		scheduler.WithLogger(m.base),
		scheduler.WithMetrics(m.metrics),
	)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	m.scheduler = sched
	m.entries = entries
	return nil
}

// catalog registers the extra callbacks and every requested built-in
// check. Names that match neither are left unregistered so Resolve rejects
// them.
func (m *Monitor) catalog(names []string) (*registry.Catalog, error) {
	catalog := registry.NewCatalog()
	for _, e := range m.extra {
		if err := catalog.Register(e.Name, e.Fn); err != nil {
			return nil, err
		}
	}

	deps := checkDeps{
		config:     m.config,
		logger:     m.base,
		metrics:    m.metrics,
		clock:      m.clock,
		gpu:        m.gpu,
		terminator: m.terminator,
	}
	for _, name := range names {
		builtin, ok := builtins[name]
		if !ok {
			continue
		}
		if _, exists := catalog.Lookup(name); exists {
			continue
		}
		fn, err := builtin.build(deps)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", name, err)
		}
		if err := catalog.Register(name, fn); err != nil {
			return nil, err
		}
	}
	return catalog, nil
}

// Leader reports whether this process runs the checks.
func (m *Monitor) Leader() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started && (m.lease == nil || m.lease.IsLeader())
}

// Callbacks returns the names of the scheduled callbacks, in order.
func (m *Monitor) Callbacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, len(m.entries))
	for i, e := range m.entries {
		names[i] = e.Name
	}
	return names
}

// State returns the scheduler state. It is zero for a non-leader.
func (m *Monitor) State() scheduler.State {
	m.mu.Lock()
	s := m.scheduler
	m.mu.Unlock()

	if s == nil {
		return scheduler.State{}
	}
	return s.State()
}

// Terminator returns the terminator used by every check.
func (m *Monitor) Terminator() *terminate.Terminator {
	return m.terminator
}

// Stop cancels future ticks and releases the election lock.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scheduler != nil {
		m.scheduler.Stop()
	}
	return m.lease.Close()
}

// Wait blocks until the scheduler goroutine exits. It returns at once for a
// non-leader.
func (m *Monitor) Wait() {
	m.mu.Lock()
	s := m.scheduler
	m.mu.Unlock()

	if s != nil {
		s.Wait()
	}
}
