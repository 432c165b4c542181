package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigFile names the environment variable holding an optional YAML
// configuration file path.
const EnvConfigFile = "IC_CONFIG"

// LookupFunc reads an environment variable. os.LookupEnv satisfies it.
type LookupFunc func(key string) (string, bool)

// EnvError reports an environment variable that could not be parsed.
type EnvError struct {
	Key   string
	Value string
	Err   error
}

func (e *EnvError) Error() string {
	return fmt.Sprintf("%s=%q: %v", e.Key, e.Value, e.Err)
}

func (e *EnvError) Unwrap() error {
	return e.Err
}

// Load reads configuration from a file path. Defaults are not applied.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes. Unknown fields are rejected
// so a misspelt key does not silently fall back to a default.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode YAML document: %w", err)
	}
	return &cfg, nil
}

// FromEnv builds the effective configuration: the file named by IC_CONFIG
// if set, then environment overrides, then defaults. The result is
// validated.
func FromEnv(lookup LookupFunc) (*Config, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	cfg := &Config{}
	if path, ok := lookup(EnvConfigFile); ok && path != "" {
		loaded, err := Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	e := envReader{lookup: lookup}

	e.setString(&c.Callbacks, "IC_CALLBACKS")

	e.setDuration(&c.Schedule.Interval, "CG_INTERVAL")
	e.setDuration(&c.Schedule.Interval, "IC_INTERVAL")
	e.setUint(&c.Schedule.InitialSkips, "IC_INITIAL_SKIPS")
	e.setUint(&c.Schedule.Stride, "IC_STRIDE")
	e.setFlag(&c.Schedule.OneShot, "IC_ONE_SHOT")

	e.setFlag(&c.Election.PerNode, "IC_PER_NODE")
	e.setString(&c.Election.LockDir, "IC_LOCK_DIR")

	e.setDuration(&c.Watchdog.Timeout, "GH_TIMEOUT")
	e.setDuration(&c.Watchdog.Timeout, "IC_WATCHDOG_TIMEOUT")

	e.setString(&c.Kill.Backend, "IC_KILL_BACKEND")
	e.setString(&c.Kill.Signal, "IC_KILL_SIGNAL")
	e.setString(&c.Kill.JobIDVar, "IC_KILL_JOB_ID_VAR")
	e.setString(&c.Kill.Command, "IC_KILL_COMMAND")
	e.setString(&c.Kill.URL, "IC_KILL_URL")
	e.setDuration(&c.Kill.Timeout, "IC_KILL_TIMEOUT")

	e.setString(&c.Metrics.Address, "IC_METRICS_ADDR")
	e.setFlag(&c.Log.Debug, "IC_DEBUG")
	e.setString(&c.Log.Format, "IC_LOG_FORMAT")
	e.setFlag(&c.UnsetPreload, "IC_UNSET_PRELOAD")

	e.setInt(&c.GPUHealth.GPUCount, "GH_GPU_COUNT")
	e.setString(&c.GPUHealth.Policy, "GH_POLICY")

	e.setString(&c.FileProgress.File, "FP_FILE")
	e.setInt64(&c.FileProgress.MinBytes, "FP_MIN_BYTES")
	e.setInt64(&c.FileProgress.MinLines, "FP_MIN_LINES")
	e.setInt64(&c.FileProgress.MinLinesProgress, "FP_MIN_LINES_PROGRESS")
	e.setInt64(&c.FileProgress.MinBytesProgress, "FP_MIN_BYTES_PROGRESS")
	e.setUintPtr(&c.FileProgress.InitialSkips, "FP_INITIAL_SKIPS")
	e.setUint(&c.FileProgress.Stride, "FP_INTERVAL_STRIDE")
	e.setFlag(&c.FileProgress.OneShot, "FP_ONE_SHOT")
	e.setFlag(&c.FileProgress.SingleProcess, "FP_SINGLE_PROCESS")
	e.setString(&c.FileProgress.LockFile, "FP_LOCK_FILE")
	if c.FileProgress.File == "" {
		if job, ok := lookup("PBS_JOBID"); ok && job != "" {
			c.FileProgress.File = job + ".OU"
		}
	}

	return e.err
}

// envReader applies variables in order and keeps the first parse error.
type envReader struct {
	lookup LookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key, value string, err error) {
	e.err = &EnvError{Key: key, Value: value, Err: err}
}

func (e *envReader) setString(dst *string, key string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setDuration(dst *Duration, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := ParseDuration(v)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = Duration(d)
}

func (e *envReader) setUint(dst *uint64, key string) {
	if n, ok := e.parseUint(key); ok {
		*dst = n
	}
}

func (e *envReader) setUintPtr(dst **uint64, key string) {
	if n, ok := e.parseUint(key); ok {
		*dst = &n
	}
}

func (e *envReader) parseUint(key string) (uint64, bool) {
	v, ok := e.get(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return 0, false
	}
	return n, true
}

func (e *envReader) setInt(dst *int, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

func (e *envReader) setInt64(dst *int64, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		e.fail(key, v, err)
		return
	}
	*dst = n
}

// setFlag treats any value other than an explicit negative as true.
func (e *envReader) setFlag(dst *bool, key string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		*dst = false
	default:
		*dst = true
	}
}
