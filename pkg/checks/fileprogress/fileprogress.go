// Package fileprogress terminates a job whose output file stops growing.
//
// A hung job usually stops writing long before the batch system notices.
// Each check compares the output file against absolute minimums and against
// the growth since the previous check.
//
// The check keeps its own run count on top of the monitor's schedule: it
// can skip its first runs, check on every Nth run only, stop after one
// check, and leave the checking to a single process of a multi-process job.
package fileprogress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/NavarchProject/intervalcheck/pkg/election"
	"github.com/NavarchProject/intervalcheck/pkg/scheduler"
	"github.com/NavarchProject/intervalcheck/pkg/watchdog"
)

// Name is the callback name of the check.
const Name = "file_progress"

// Config configures the thresholds. A zero threshold is disabled.
type Config struct {
	File             string
	MinBytes         int64
	MinLines         int64
	MinLinesProgress int64
	MinBytesProgress int64

	// InitialSkips is the number of runs before the first check.
	InitialSkips uint64

	// Stride checks on every Stride-th run after the skips. Zero means 1.
	Stride uint64

	// OneShot stops checking after the first check.
	OneShot bool

	// LockFile, if set, restricts checking to the process that locks it
	// first. It must be on a path every process of the job shares.
	LockFile string
}

// Enabled reports whether any threshold is set.
func (c Config) Enabled() bool {
	return c.MinBytes > 0 || c.MinLines > 0 || c.MinLinesProgress > 0 || c.MinBytesProgress > 0
}

// Check watches one file. Run must not be called concurrently, which the
// scheduler guarantees.
type Check struct {
	config   Config
	schedule scheduler.Config
	escalate watchdog.ExpiryFunc
	logger   *slog.Logger
	lease    *election.Lease

	runs      uint64
	fired     bool
	prevLines int64
	prevBytes int64
}

// New creates the check.
func New(config Config, escalate watchdog.ExpiryFunc, logger *slog.Logger) (*Check, error) {
	if config.File == "" {
		return nil, errors.New("file progress: no file configured (set FP_FILE or PBS_JOBID)")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.Stride == 0 {
		config.Stride = 1
	}

	c := &Check{
		config: config,
		schedule: scheduler.Config{
			InitialSkips: config.InitialSkips,
			Stride:       config.Stride,
			OneShot:      config.OneShot,
		},
		escalate: escalate,
		logger:   logger.With(slog.String("component", "file-progress"), slog.String("file", config.File)),
	}

	if config.LockFile != "" {
		lease, err := election.Elect(config.LockFile)
		if err != nil {
			return nil, fmt.Errorf("file progress: %w", err)
		}
		c.lease = lease
		if !lease.IsLeader() {
			c.logger.Info("another process checks file progress", slog.String("lock", config.LockFile))
		}
	}
	return c, nil
}

// Checking reports whether this process performs the checks.
func (c *Check) Checking() bool {
	return c.lease == nil || c.lease.IsLeader()
}

// Close releases the single-process lock, if held.
func (c *Check) Close() error {
	return c.lease.Close()
}

// Run performs one check when the run count says so. It has the
// registry.Callback signature.
func (c *Check) Run(ctx context.Context) {
	run := c.runs
	c.runs++

	if !c.Checking() || !c.schedule.ShouldRun(run, c.fired) {
		c.logger.DebugContext(ctx, "file progress check skipped", slog.Uint64("run", run))
		return
	}
	c.fired = true

	if err := c.check(); err != nil {
		c.logger.ErrorContext(ctx, "file progress check failed", slog.String("error", err.Error()))
		c.escalate(ctx, fmt.Sprintf("%s: %v", Name, err))
	}
}

func (c *Check) check() error {
	cfg := c.config

	var size, lines int64
	var err error
	if cfg.MinBytes > 0 || cfg.MinBytesProgress > 0 {
		if size, err = fileBytes(cfg.File); err != nil {
			return err
		}
	}
	if cfg.MinLines > 0 || cfg.MinLinesProgress > 0 {
		if lines, err = fileLines(cfg.File); err != nil {
			return err
		}
	}

	if cfg.MinBytes > 0 {
		if size < cfg.MinBytes {
			return fmt.Errorf("%s contains %d bytes, fewer than the required %d", cfg.File, size, cfg.MinBytes)
		}
		c.logger.Debug("file size", slog.Int64("bytes", size))
	}

	if cfg.MinLines > 0 {
		if lines < cfg.MinLines {
			return fmt.Errorf("%s contains %d lines, fewer than the required %d", cfg.File, lines, cfg.MinLines)
		}
		c.logger.Debug("file lines", slog.Int64("lines", lines))
	}

	if cfg.MinLinesProgress > 0 {
		added := lines - c.prevLines
		if added < cfg.MinLinesProgress {
			return fmt.Errorf("%s only added %d lines but needed to add %d", cfg.File, added, cfg.MinLinesProgress)
		}
		c.logger.Debug("file line progress", slog.Int64("previous", c.prevLines), slog.Int64("lines", lines))
		c.prevLines = lines
	}

	if cfg.MinBytesProgress > 0 {
		added := size - c.prevBytes
		if added < cfg.MinBytesProgress {
			return fmt.Errorf("%s only added %d bytes but needed to add %d", cfg.File, added, cfg.MinBytesProgress)
		}
		c.logger.Debug("file byte progress", slog.Int64("previous", c.prevBytes), slog.Int64("bytes", size))
		c.prevBytes = size
	}

	return nil
}

func fileBytes(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat: %w", err)
	}
	return st.Size(), nil
}

func fileLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open: %w", err)
	}
	defer f.Close()

	var lines int64
	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read: %w", err)
		}
	}
}
