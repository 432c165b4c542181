package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if got := time.Duration(cfg.Schedule.Interval); got != 300*time.Second {
		t.Errorf("Interval = %v, want 300s", got)
	}
	if cfg.Schedule.Stride != 1 {
		t.Errorf("Stride = %d, want 1", cfg.Schedule.Stride)
	}
	if got := time.Duration(cfg.Watchdog.Timeout); got != 30*time.Second {
		t.Errorf("Watchdog.Timeout = %v, want 30s", got)
	}
	if cfg.Kill.Backend != BackendSignal {
		t.Errorf("Kill.Backend = %q, want signal", cfg.Kill.Backend)
	}
	if got := time.Duration(cfg.Kill.Timeout); got != 10*time.Second {
		t.Errorf("Kill.Timeout = %v, want 10s", got)
	}
	if cfg.Log.Format != LogFormatText {
		t.Errorf("Log.Format = %q, want text", cfg.Log.Format)
	}
	if cfg.Election.LockDir == "" {
		t.Error("Election.LockDir is empty")
	}
	fp := cfg.FileProgress
	if fp.Skips() != 1 || fp.Stride != 1 || fp.LockFile != DefaultFileProgressLock {
		t.Errorf("FileProgress = skips %d stride %d lock %q", fp.Skips(), fp.Stride, fp.LockFile)
	}
}

func TestFileProgressConfig_Skips(t *testing.T) {
	var fp FileProgressConfig
	if got := fp.Skips(); got != DefaultFileProgressSkips {
		t.Errorf("unset Skips() = %d, want %d", got, DefaultFileProgressSkips)
	}
	zero := uint64(0)
	fp.InitialSkips = &zero
	if got := fp.Skips(); got != 0 {
		t.Errorf("explicit Skips() = %d, want 0", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			modify: func(c *Config) {},
		},
		{
			name:    "missing callbacks",
			modify:  func(c *Config) { c.Callbacks = "" },
			wantErr: "callbacks are required",
		},
		{
			name:    "bad apiVersion",
			modify:  func(c *Config) { c.APIVersion = "v2" },
			wantErr: "unsupported apiVersion",
		},
		{
			name:    "bad kind",
			modify:  func(c *Config) { c.Kind = "Pool" },
			wantErr: "unknown kind",
		},
		{
			name:    "negative interval",
			modify:  func(c *Config) { c.Schedule.Interval = Duration(-time.Second) },
			wantErr: "interval must be positive",
		},
		{
			name:    "negative watchdog timeout",
			modify:  func(c *Config) { c.Watchdog.Timeout = Duration(-time.Second) },
			wantErr: "watchdog timeout",
		},
		{
			name:    "unknown backend",
			modify:  func(c *Config) { c.Kill.Backend = "alps" },
			wantErr: "unknown kill backend",
		},
		{
			name:    "oob without url",
			modify:  func(c *Config) { c.Kill.Backend = BackendOOB },
			wantErr: "requires a URL",
		},
		{
			name: "oob with url",
			modify: func(c *Config) {
				c.Kill.Backend = BackendOOB
				c.Kill.URL = "http://localhost:9000/kill"
			},
		},
		{
			name:    "catchable signal",
			modify:  func(c *Config) { c.Kill.Signal = "TERM" },
			wantErr: "can be caught",
		},
		{
			name:   "explicit SIGKILL",
			modify: func(c *Config) { c.Kill.Signal = "SIGKILL" },
		},
		{
			name: "oob may forward a catchable signal",
			modify: func(c *Config) {
				c.Kill.Backend = BackendOOB
				c.Kill.URL = "http://localhost:9000/kill"
				c.Kill.Signal = "TERM"
			},
		},
		{
			name:    "unknown signal",
			modify:  func(c *Config) { c.Kill.Backend = BackendCommand; c.Kill.Signal = "NOPE" },
			wantErr: "unknown signal",
		},
		{
			name:    "unknown log format",
			modify:  func(c *Config) { c.Log.Format = "xml" },
			wantErr: "unknown log format",
		},
		{
			name:    "negative gpu count",
			modify:  func(c *Config) { c.GPUHealth.GPUCount = -1 },
			wantErr: "gpu count",
		},
		{
			name:    "negative file threshold",
			modify:  func(c *Config) { c.FileProgress.MinLines = -5 },
			wantErr: "thresholds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Callbacks = "gpu_health"
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_SchedulerConfig(t *testing.T) {
	cfg := Default()
	cfg.Schedule = ScheduleConfig{
		Interval:     Duration(5 * time.Second),
		InitialSkips: 2,
		Stride:       3,
		OneShot:      true,
	}

	sc := cfg.SchedulerConfig()
	if sc.Interval != 5*time.Second || sc.InitialSkips != 2 || sc.Stride != 3 || !sc.OneShot {
		t.Errorf("SchedulerConfig() = %+v", sc)
	}
}

func TestConfig_LockPath(t *testing.T) {
	cfg := Default()
	cfg.Election.LockDir = "/var/run/ic"
	if got, want := cfg.LockPath(), filepath.Join("/var/run/ic", "interval_check.lock"); got != want {
		t.Errorf("LockPath() = %q, want %q", got, want)
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := Default()
	cfg.Kill.Headers = map[string]string{"Authorization": "Bearer secret"}

	out, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(out), "secret") {
		t.Errorf("redacted output leaks header value:\n%s", out)
	}
	if cfg.Kill.Headers["Authorization"] != "Bearer secret" {
		t.Error("Redacted modified the original config")
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "300", want: 300 * time.Second},
		{in: " 5 ", want: 5 * time.Second},
		{in: "1m30s", want: 90 * time.Second},
		{in: "250ms", want: 250 * time.Millisecond},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestDuration_YAML(t *testing.T) {
	var out struct {
		A Duration `yaml:"a"`
		B Duration `yaml:"b"`
		C Duration `yaml:"c"`
	}
	if err := yaml.Unmarshal([]byte("a: 45s\nb: 120\nc: \"\"\n"), &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if time.Duration(out.A) != 45*time.Second {
		t.Errorf("A = %v, want 45s", time.Duration(out.A))
	}
	if time.Duration(out.B) != 120*time.Second {
		t.Errorf("B = %v, want 120s", time.Duration(out.B))
	}
	if out.C != 0 {
		t.Errorf("C = %v, want 0", time.Duration(out.C))
	}

	if err := yaml.Unmarshal([]byte("a: forever\n"), &out); err == nil {
		t.Error("expected error for invalid duration")
	}

	data, err := yaml.Marshal(struct {
		D Duration `yaml:"d"`
	}{D: Duration(time.Minute)})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), "d: 1m0s") {
		t.Errorf("Marshal = %q, want d: 1m0s", data)
	}
}
