// Package config loads the monitor configuration from an optional YAML file
// and the process environment.
//
// Environment variables take precedence over the file, so a job script can
// override a site-wide file per run.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/NavarchProject/intervalcheck/pkg/election"
	"github.com/NavarchProject/intervalcheck/pkg/scheduler"
	"github.com/NavarchProject/intervalcheck/pkg/terminate"
)

const (
	APIVersion = "intervalcheck/v1alpha1"
	Kind       = "IntervalCheck"
)

// Kill backend names.
const (
	BackendSignal  = "signal"
	BackendOOB     = "oob"
	BackendCommand = "command"
)

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

const (
	DefaultInterval        = 300 * time.Second
	DefaultWatchdogTimeout = 30 * time.Second
	DefaultKillTimeout     = 10 * time.Second

	// DefaultFileProgressSkips lets the job write its first output before
	// file_progress looks at it.
	DefaultFileProgressSkips = 1

	DefaultFileProgressLock = "file_progress.lock"
)

// Config is the complete monitor configuration.
type Config struct {
	APIVersion string `yaml:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty"`

	// Callbacks is the colon-delimited list of checks to run.
	Callbacks string `yaml:"callbacks"`

	Schedule     ScheduleConfig     `yaml:"schedule"`
	Election     ElectionConfig     `yaml:"election"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Kill         KillConfig         `yaml:"kill"`
	Metrics      MetricsConfig      `yaml:"metrics,omitempty"`
	Log          LogConfig          `yaml:"log"`
	GPUHealth    GPUHealthConfig    `yaml:"gpuHealth,omitempty"`
	FileProgress FileProgressConfig `yaml:"fileProgress,omitempty"`

	// UnsetPreload removes LD_PRELOAD from the child's environment.
	UnsetPreload bool `yaml:"unsetPreload,omitempty"`
}

// ScheduleConfig controls the tick period and which ticks run checks.
type ScheduleConfig struct {
	Interval     Duration `yaml:"interval"`
	InitialSkips uint64   `yaml:"initialSkips"`
	Stride       uint64   `yaml:"stride"`
	OneShot      bool     `yaml:"oneShot"`
}

// ElectionConfig controls per-node leader election.
type ElectionConfig struct {
	PerNode bool   `yaml:"perNode"`
	LockDir string `yaml:"lockDir,omitempty"`
}

// WatchdogConfig controls hang detection around guarded calls.
type WatchdogConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// KillConfig selects and configures the job termination backend.
type KillConfig struct {
	Backend  string            `yaml:"backend"`
	Signal   string            `yaml:"signal,omitempty"`
	JobIDVar string            `yaml:"jobIdVar,omitempty"`
	Command  string            `yaml:"command,omitempty"`
	URL      string            `yaml:"url,omitempty"`
	Timeout  Duration          `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers,omitempty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address,omitempty"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Debug  bool   `yaml:"debug"`
	Format string `yaml:"format"`
}

// GPUHealthConfig configures the gpu_health check.
type GPUHealthConfig struct {
	// GPUCount is the number of devices expected on the node. Zero uses
	// the detected count.
	GPUCount int `yaml:"gpuCount,omitempty"`

	// Policy is a path to a CEL health policy file.
	Policy string `yaml:"policy,omitempty"`
}

// FileProgressConfig configures the file_progress check.
type FileProgressConfig struct {
	File             string `yaml:"file,omitempty"`
	MinBytes         int64  `yaml:"minBytes,omitempty"`
	MinLines         int64  `yaml:"minLines,omitempty"`
	MinLinesProgress int64  `yaml:"minLinesProgress,omitempty"`
	MinBytesProgress int64  `yaml:"minBytesProgress,omitempty"`

	// InitialSkips, Stride and OneShot gate the check's own runs, counted
	// from zero, on top of the schedule. Unset InitialSkips means
	// DefaultFileProgressSkips.
	InitialSkips *uint64 `yaml:"initialSkips,omitempty"`
	Stride       uint64  `yaml:"stride,omitempty"`
	OneShot      bool    `yaml:"oneShot,omitempty"`

	// SingleProcess checks from whichever process locks LockFile first.
	SingleProcess bool   `yaml:"singleProcess,omitempty"`
	LockFile      string `yaml:"lockFile,omitempty"`
}

// Skips returns InitialSkips or its default.
func (f FileProgressConfig) Skips() uint64 {
	if f.InitialSkips == nil {
		return DefaultFileProgressSkips
	}
	return *f.InitialSkips
}

// Duration is a time.Duration that reads from YAML as a duration string or
// a bare number of seconds.
type Duration time.Duration

// UnmarshalYAML implements custom YAML unmarshaling for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	dur, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements custom YAML marshaling for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	if d == 0 {
		return "", nil
	}
	return time.Duration(d).String(), nil
}

// ParseDuration parses a Go duration string. A bare integer is a number of
// seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Default returns a configuration with every default applied and no
// callbacks.
func Default() *Config {
	c := &Config{}
	c.Defaults()
	return c
}

// Defaults applies default values to unset fields.
func (c *Config) Defaults() {
	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = Duration(DefaultInterval)
	}
	if c.Schedule.Stride == 0 {
		c.Schedule.Stride = 1
	}
	if c.Election.LockDir == "" {
		c.Election.LockDir = os.TempDir()
	}
	if c.Watchdog.Timeout == 0 {
		c.Watchdog.Timeout = Duration(DefaultWatchdogTimeout)
	}
	if c.Kill.Backend == "" {
		c.Kill.Backend = BackendSignal
	}
	if c.Kill.Timeout == 0 {
		c.Kill.Timeout = Duration(DefaultKillTimeout)
	}
	if c.Log.Format == "" {
		c.Log.Format = LogFormatText
	}
	if c.FileProgress.InitialSkips == nil {
		skips := uint64(DefaultFileProgressSkips)
		c.FileProgress.InitialSkips = &skips
	}
	if c.FileProgress.Stride == 0 {
		c.FileProgress.Stride = 1
	}
	if c.FileProgress.LockFile == "" {
		c.FileProgress.LockFile = DefaultFileProgressLock
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.APIVersion != "" && c.APIVersion != APIVersion {
		return fmt.Errorf("unsupported apiVersion: %s (expected %s)", c.APIVersion, APIVersion)
	}
	if c.Kind != "" && c.Kind != Kind {
		return fmt.Errorf("unknown kind: %s", c.Kind)
	}
	if c.Callbacks == "" {
		return errors.New("callbacks are required (set IC_CALLBACKS)")
	}
	if err := c.SchedulerConfig().Validate(); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	if c.Watchdog.Timeout <= 0 {
		return fmt.Errorf("watchdog timeout must be positive, got %v", time.Duration(c.Watchdog.Timeout))
	}

	switch c.Kill.Backend {
	case BackendSignal:
		if _, err := terminate.ParseKillSignal(c.Kill.Signal); err != nil {
			return fmt.Errorf("kill backend signal: %w", err)
		}
	case BackendCommand:
	case BackendOOB:
		if c.Kill.URL == "" {
			return errors.New("kill backend oob requires a URL (set IC_KILL_URL)")
		}
	default:
		return fmt.Errorf("unknown kill backend %q (expected %s, %s or %s)",
			c.Kill.Backend, BackendSignal, BackendOOB, BackendCommand)
	}
	if _, err := terminate.ParseSignal(c.Kill.Signal); err != nil {
		return fmt.Errorf("kill signal: %w", err)
	}
	if c.Kill.Timeout <= 0 {
		return fmt.Errorf("kill timeout must be positive, got %v", time.Duration(c.Kill.Timeout))
	}

	switch c.Log.Format {
	case LogFormatText, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if c.GPUHealth.GPUCount < 0 {
		return fmt.Errorf("gpu count must be >= 0, got %d", c.GPUHealth.GPUCount)
	}
	fp := c.FileProgress
	if fp.MinBytes < 0 || fp.MinLines < 0 || fp.MinLinesProgress < 0 || fp.MinBytesProgress < 0 {
		return errors.New("file progress thresholds must be >= 0")
	}
	return nil
}

// SchedulerConfig returns the schedule in the scheduler's terms.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Interval:     time.Duration(c.Schedule.Interval),
		InitialSkips: c.Schedule.InitialSkips,
		Stride:       c.Schedule.Stride,
		OneShot:      c.Schedule.OneShot,
	}
}

// LockPath returns the election lock file path.
func (c *Config) LockPath() string {
	return election.PathIn(c.Election.LockDir)
}

// Redacted returns a copy safe to print, with header values hidden.
func (c *Config) Redacted() *Config {
	out := *c
	if len(c.Kill.Headers) > 0 {
		out.Kill.Headers = make(map[string]string, len(c.Kill.Headers))
		for k := range c.Kill.Headers {
			out.Kill.Headers[k] = "REDACTED"
		}
	}
	return &out
}
