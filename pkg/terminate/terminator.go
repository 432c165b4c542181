// Package terminate stops the batch job when a check decides the node is
// unusable.
//
// A Terminator wraps one kill Backend. The first Terminate call asks the
// backend to end the job; if the backend fails, the current process is
// killed with SIGKILL instead so a broken job never keeps running. A later
// call means the job outlived an accepted request, so it waits for the
// first call to finish and then kills the current process.
package terminate

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NavarchProject/intervalcheck/pkg/metrics"
)

// DefaultTimeout bounds the work a backend may do for one kill request.
const DefaultTimeout = 10 * time.Second

// ErrNoJobID is returned by backends that could not find the job
// identifier in the environment.
var ErrNoJobID = errors.New("job id not set in environment")

// Backend asks some authority to end the job.
type Backend interface {
	// Name identifies the backend in logs and metrics.
	Name() string

	// Kill requests termination. A nil error means the request was
	// accepted, not that the job has already exited.
	Kill(ctx context.Context, reason string) error
}

// RaiseFunc delivers a signal to the current process.
type RaiseFunc func(sig syscall.Signal) error

// RaiseSelf sends sig to the current process.
func RaiseSelf(sig syscall.Signal) error {
	return unix.Kill(os.Getpid(), sig)
}

// Option configures a Terminator.
type Option func(*Terminator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Terminator) { t.logger = l }
}

// WithMetrics records termination attempts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Terminator) { t.metrics = m }
}

// WithTimeout bounds the backend call. Defaults to DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Terminator) { t.timeout = d }
}

// WithRaise replaces the local SIGKILL fallback.
func WithRaise(fn RaiseFunc) Option {
	return func(t *Terminator) { t.raise = fn }
}

// Terminator requests job termination at most once.
type Terminator struct {
	backend Backend
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	raise   RaiseFunc

	requested atomic.Bool
	done      chan struct{}
}

// New creates a terminator using the given backend.
func New(backend Backend, opts ...Option) *Terminator {
	t := &Terminator{
		backend: backend,
		logger:  slog.Default(),
		timeout: DefaultTimeout,
		raise:   RaiseSelf,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.timeout <= 0 {
		t.timeout = DefaultTimeout
	}
	t.logger = t.logger.With(slog.String("component", "terminator"))
	return t
}

// Terminate ends the job. Only the first call uses the backend.
func (t *Terminator) Terminate(ctx context.Context, reason string) {
	name := t.backend.Name()
	if !t.requested.CompareAndSwap(false, true) {
		<-t.done
		t.metrics.RecordTermination(name, metrics.OutcomeFallback)
		t.logger.ErrorContext(ctx, "job still running after termination was requested, killing local process",
			slog.String("backend", name),
			slog.String("reason", reason),
		)
		t.kill(ctx)
		return
	}
	defer close(t.done)

	t.logger.ErrorContext(ctx, "terminating job",
		slog.String("backend", name),
		slog.String("reason", reason),
	)

	// The caller's context may already be cancelled by a shutdown; the
	// kill must still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	err := t.backend.Kill(ctx, reason)
	if err == nil {
		t.metrics.RecordTermination(name, metrics.OutcomeRequested)
		t.logger.InfoContext(ctx, "termination requested", slog.String("backend", name))
		return
	}

	t.metrics.RecordTermination(name, metrics.OutcomeFallback)
	t.logger.ErrorContext(ctx, "kill backend failed, killing local process",
		slog.String("backend", name),
		slog.String("error", err.Error()),
	)
	t.kill(ctx)
}

func (t *Terminator) kill(ctx context.Context) {
	if err := t.raise(unix.SIGKILL); err != nil {
		t.logger.ErrorContext(ctx, "failed to raise SIGKILL", slog.String("error", err.Error()))
	}
}

// Requested reports whether Terminate has been called.
func (t *Terminator) Requested() bool {
	return t.requested.Load()
}

// Backend returns the configured backend.
func (t *Terminator) Backend() Backend {
	return t.backend
}
