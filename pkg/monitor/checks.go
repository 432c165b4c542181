package monitor

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/NavarchProject/intervalcheck/pkg/checks/fileprogress"
	"github.com/NavarchProject/intervalcheck/pkg/checks/gpuhealth"
	"github.com/NavarchProject/intervalcheck/pkg/clock"
	"github.com/NavarchProject/intervalcheck/pkg/config"
	"github.com/NavarchProject/intervalcheck/pkg/gpu"
	"github.com/NavarchProject/intervalcheck/pkg/health"
	"github.com/NavarchProject/intervalcheck/pkg/metrics"
	"github.com/NavarchProject/intervalcheck/pkg/registry"
	"github.com/NavarchProject/intervalcheck/pkg/terminate"
	"github.com/NavarchProject/intervalcheck/pkg/watchdog"
)

// CheckInfo describes a built-in check.
type CheckInfo struct {
	Name        string
	Description string
	Guarded     bool
}

type checkDeps struct {
	config     *config.Config
	logger     *slog.Logger
	metrics    *metrics.Metrics
	clock      clock.Clock
	gpu        gpu.Manager
	terminator *terminate.Terminator
}

type builtin struct {
	info  CheckInfo
	build func(checkDeps) (registry.Callback, error)
}

var builtins = map[string]builtin{
	gpuhealth.Name: {
		info: CheckInfo{
			Name:        gpuhealth.Name,
			Description: "Probe every GPU through NVML and evaluate the health policy",
			Guarded:     true,
		},
		build: buildGPUHealth,
	},
	fileprogress.Name: {
		info: CheckInfo{
			Name:        fileprogress.Name,
			Description: "Require a job output file to keep growing",
		},
		build: buildFileProgress,
	},
}

// Checks lists the built-in checks sorted by name.
func Checks() []CheckInfo {
	infos := make([]CheckInfo, 0, len(builtins))
	for _, b := range builtins {
		infos = append(infos, b.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func buildGPUHealth(d checkDeps) (registry.Callback, error) {
	guard, err := watchdog.New(gpuhealth.Name, time.Duration(d.config.Watchdog.Timeout), d.terminator.Terminate,
		watchdog.WithClock(d.clock),
		watchdog.WithLogger(d.logger),
		watchdog.WithMetrics(d.metrics),
	)
	if err != nil {
		return nil, err
	}

	evaluator, err := loadEvaluator(d.config.GPUHealth.Policy)
	if err != nil {
		return nil, err
	}

	check := gpuhealth.New(d.gpu, guard, d.terminator.Terminate, gpuhealth.Config{
		ExpectedCount: d.config.GPUHealth.GPUCount,
		Evaluator:     evaluator,
	}, d.logger)
	return check.Run, nil
}

func loadEvaluator(policy string) (*health.Evaluator, error) {
	p := health.DefaultPolicy()
	if policy != "" {
		var err error
		if p, err = health.LoadPolicy(policy); err != nil {
			return nil, err
		}
	}
	evaluator, err := health.NewEvaluator(p)
	if err != nil {
		return nil, fmt.Errorf("compile health policy: %w", err)
	}
	return evaluator, nil
}

func buildFileProgress(d checkDeps) (registry.Callback, error) {
	fp := d.config.FileProgress
	cfg := fileprogress.Config{
		File:             fp.File,
		MinBytes:         fp.MinBytes,
		MinLines:         fp.MinLines,
		MinLinesProgress: fp.MinLinesProgress,
		MinBytesProgress: fp.MinBytesProgress,
		InitialSkips:     fp.Skips(),
		Stride:           fp.Stride,
		OneShot:          fp.OneShot,
	}
	if fp.SingleProcess {
		cfg.LockFile = fp.LockFile
		if cfg.LockFile == "" {
			cfg.LockFile = config.DefaultFileProgressLock
		}
	}
	check, err := fileprogress.New(cfg, d.terminator.Terminate, d.logger)
	if err != nil {
		return nil, err
	}
	return check.Run, nil
}

// NewTerminator builds the terminator for the configured kill backend.
func NewTerminator(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...terminate.Option) (*terminate.Terminator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend, err := newBackend(cfg.Kill, logger)
	if err != nil {
		return nil, err
	}
	opts = append([]terminate.Option{
		terminate.WithLogger(logger),
		terminate.WithMetrics(m),
		terminate.WithTimeout(time.Duration(cfg.Kill.Timeout)),
	}, opts...)
	return terminate.New(backend, opts...), nil
}

func newBackend(kc config.KillConfig, logger *slog.Logger) (terminate.Backend, error) {
	parse := terminate.ParseSignal
	if kc.Backend == config.BackendSignal {
		parse = terminate.ParseKillSignal
	}
	sig, err := parse(kc.Signal)
	if err != nil {
		return nil, fmt.Errorf("kill signal: %w", err)
	}

	switch kc.Backend {
	case config.BackendSignal:
		return terminate.NewSignal(sig, nil), nil
	case config.BackendOOB:
		return terminate.NewOutOfBand(terminate.OutOfBandConfig{
			URL:      kc.URL,
			AppIDVar: kc.JobIDVar,
			Signal:   sig,
			Timeout:  time.Duration(kc.Timeout),
			Headers:  kc.Headers,
		}, logger)
	case config.BackendCommand:
		return terminate.NewCommand(terminate.CommandConfig{
			Template: kc.Command,
			JobIDVar: kc.JobIDVar,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown kill backend %q", kc.Backend)
	}
}
