// Package gpuhealth verifies that every GPU on the node still answers the
// driver.
//
// A wedged GPU typically makes driver calls block forever rather than fail,
// so the whole probe runs under a watchdog guard. A probe that errors, hangs
// or, with a policy configured, finds an unhealthy device terminates the job.
package gpuhealth

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/NavarchProject/intervalcheck/pkg/gpu"
	"github.com/NavarchProject/intervalcheck/pkg/health"
	"github.com/NavarchProject/intervalcheck/pkg/watchdog"
)

// Name is the callback name of the check.
const Name = "gpu_health"

// Config configures the check.
type Config struct {
	// ExpectedCount is the number of devices to probe. Zero probes every
	// device the driver reports. A node reporting fewer devices than
	// expected fails the check.
	ExpectedCount int

	// Evaluator, when set, judges the sampled metrics. Only an unhealthy
	// result fails the check.
	Evaluator *health.Evaluator
}

// Check probes the node's GPUs.
type Check struct {
	manager  gpu.Manager
	guard    *watchdog.Guard
	escalate watchdog.ExpiryFunc
	config   Config
	logger   *slog.Logger
}

// New creates the check. The guard must escalate through the same function
// passed as escalate.
func New(manager gpu.Manager, guard *watchdog.Guard, escalate watchdog.ExpiryFunc, config Config, logger *slog.Logger) *Check {
	if logger == nil {
		logger = slog.Default()
	}
	return &Check{
		manager:  manager,
		guard:    guard,
		escalate: escalate,
		config:   config,
		logger:   logger.With(slog.String("component", "gpu-health")),
	}
}

// Run performs one check. It has the registry.Callback signature.
func (c *Check) Run(ctx context.Context) {
	var samples []health.Sample
	err := c.guard.Protect(ctx, func(ctx context.Context) error {
		var err error
		samples, err = c.probe(ctx)
		return err
	})
	if err != nil {
		// The guard has already escalated.
		c.logger.ErrorContext(ctx, "gpu check failed", slog.String("error", err.Error()))
		return
	}

	if c.config.Evaluator != nil {
		v, err := c.config.Evaluator.Evaluate(ctx, samples)
		if err != nil {
			c.logger.WarnContext(ctx, "policy evaluation failed", slog.String("error", err.Error()))
			return
		}
		switch v.Status {
		case health.ResultUnhealthy:
			c.logger.ErrorContext(ctx, "gpu unhealthy",
				slog.String("rule", v.Rule),
				slog.Int("gpu", v.Device),
			)
			c.escalate(ctx, fmt.Sprintf("%s: gpu %d unhealthy by rule %s", Name, v.Device, v.Rule))
			return
		case health.ResultDegraded:
			c.logger.WarnContext(ctx, "gpu degraded",
				slog.String("rule", v.Rule),
				slog.Int("gpu", v.Device),
			)
		}
	}

	c.logger.DebugContext(ctx, "gpu check passed", slog.Int("gpus", len(samples)))
}

// probe opens the driver, reads every device and closes the driver again.
// Any driver error fails the probe.
func (c *Check) probe(ctx context.Context) ([]health.Sample, error) {
	if err := c.manager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	samples, err := c.readDevices(ctx)
	if shutdownErr := c.manager.Shutdown(ctx); shutdownErr != nil && err == nil {
		err = fmt.Errorf("shutdown: %w", shutdownErr)
	}
	if err != nil {
		return nil, err
	}
	return samples, nil
}

func (c *Check) readDevices(ctx context.Context) ([]health.Sample, error) {
	count, err := c.manager.GetDeviceCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("device count: %w", err)
	}

	want := c.config.ExpectedCount
	if want == 0 {
		want = count
	}
	if count < want {
		return nil, fmt.Errorf("driver reports %d gpus, expected %d", count, want)
	}

	samples := make([]health.Sample, 0, want)
	for i := 0; i < want; i++ {
		info, err := c.manager.GetDeviceInfo(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("gpu %d: %w", i, err)
		}
		h, err := c.manager.GetDeviceHealth(ctx, i)
		if err != nil {
			return nil, fmt.Errorf("gpu %d health: %w", i, err)
		}
		samples = append(samples, health.Sample{Device: *info, Health: *h})
	}
	return samples, nil
}
