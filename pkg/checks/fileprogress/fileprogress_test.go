package fileprogress

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type escalations []string

func (e *escalations) record(_ context.Context, reason string) {
	*e = append(*e, reason)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func appendFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
}

func TestNew_RequiresFile(t *testing.T) {
	var esc escalations
	if _, err := New(Config{MinBytes: 1}, esc.record, nil); err == nil {
		t.Error("expected error without a file")
	}
}

func TestConfig_Enabled(t *testing.T) {
	if (Config{File: "x"}).Enabled() {
		t.Error("Enabled() = true with no thresholds")
	}
	if !(Config{File: "x", MinLinesProgress: 1}).Enabled() {
		t.Error("Enabled() = false with a threshold")
	}
}

func TestCheck_Minimums(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		cfg      Config
		wantFail string
	}{
		{name: "enough bytes", content: "hello\n", cfg: Config{MinBytes: 6}},
		{name: "too few bytes", content: "hi\n", cfg: Config{MinBytes: 6}, wantFail: "bytes"},
		{name: "enough lines", content: "a\nb\nc\n", cfg: Config{MinLines: 3}},
		{name: "too few lines", content: "a\nb", cfg: Config{MinLines: 2}, wantFail: "lines"},
		{name: "no thresholds", content: "", cfg: Config{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "job.OU")
			writeFile(t, path, tt.content)
			tt.cfg.File = path

			var esc escalations
			c, err := New(tt.cfg, esc.record, nil)
			if err != nil {
				t.Fatal(err)
			}
			c.Run(context.Background())

			if tt.wantFail == "" {
				if len(esc) != 0 {
					t.Errorf("unexpected escalation: %v", esc)
				}
				return
			}
			if len(esc) != 1 {
				t.Fatalf("escalations = %d, want 1", len(esc))
			}
			if !strings.Contains(esc[0], tt.wantFail) {
				t.Errorf("reason %q does not mention %q", esc[0], tt.wantFail)
			}
		})
	}
}

func TestCheck_LineProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.OU")
	writeFile(t, path, "step 1\nstep 2\n")

	var esc escalations
	c, err := New(Config{File: path, MinLinesProgress: 2}, esc.record, nil)
	if err != nil {
		t.Fatal(err)
	}

	c.Run(context.Background())
	if len(esc) != 0 {
		t.Fatalf("first run escalated: %v", esc)
	}

	appendFile(t, path, "step 3\nstep 4\nstep 5\n")
	c.Run(context.Background())
	if len(esc) != 0 {
		t.Fatalf("second run escalated: %v", esc)
	}

	appendFile(t, path, "step 6\n")
	c.Run(context.Background())
	if len(esc) != 1 {
		t.Fatalf("escalations = %d after stalled output, want 1", len(esc))
	}
}

func TestCheck_ByteProgress(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.OU")
	writeFile(t, path, strings.Repeat("x", 100))

	var esc escalations
	c, err := New(Config{File: path, MinBytesProgress: 50}, esc.record, nil)
	if err != nil {
		t.Fatal(err)
	}

	c.Run(context.Background())
	appendFile(t, path, strings.Repeat("y", 60))
	c.Run(context.Background())
	if len(esc) != 0 {
		t.Fatalf("escalated while growing: %v", esc)
	}

	c.Run(context.Background())
	if len(esc) != 1 {
		t.Errorf("escalations = %d with no growth, want 1", len(esc))
	}
}

func TestCheck_MissingFile(t *testing.T) {
	var esc escalations
	c, err := New(Config{File: filepath.Join(t.TempDir(), "missing"), MinLines: 1}, esc.record, nil)
	if err != nil {
		t.Fatal(err)
	}

	c.Run(context.Background())
	if len(esc) != 1 {
		t.Errorf("escalations = %d for missing file, want 1", len(esc))
	}
}

func TestCheck_RunGating(t *testing.T) {
	tests := []struct {
		name   string
		config Config
		want   []int
	}{
		{name: "every run", config: Config{}, want: []int{0, 1, 2, 3, 4, 5, 6, 7}},
		{name: "skip first", config: Config{InitialSkips: 1}, want: []int{1, 2, 3, 4, 5, 6, 7}},
		{name: "stride", config: Config{InitialSkips: 1, Stride: 3}, want: []int{1, 4, 7}},
		{name: "one shot", config: Config{InitialSkips: 2, Stride: 2, OneShot: true}, want: []int{2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var esc escalations
			cfg := tt.config
			cfg.File = filepath.Join(t.TempDir(), "missing")
			cfg.MinBytes = 1
			c, err := New(cfg, esc.record, nil)
			if err != nil {
				t.Fatal(err)
			}

			// A missing file fails every check, so each escalation marks a
			// run that checked.
			var checked []int
			for run := 0; run < 8; run++ {
				before := len(esc)
				c.Run(context.Background())
				if len(esc) > before {
					checked = append(checked, run)
				}
			}

			if len(checked) != len(tt.want) {
				t.Fatalf("checked on runs %v, want %v", checked, tt.want)
			}
			for i := range tt.want {
				if checked[i] != tt.want[i] {
					t.Fatalf("checked on runs %v, want %v", checked, tt.want)
				}
			}
		})
	}
}

func TestCheck_SingleProcess(t *testing.T) {
	lock := filepath.Join(t.TempDir(), "file_progress.lock")
	cfg := Config{File: filepath.Join(t.TempDir(), "missing"), MinBytes: 1, LockFile: lock}

	var firstEsc, secondEsc escalations
	first, err := New(cfg, firstEsc.record, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	second, err := New(cfg, secondEsc.record, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()

	if !first.Checking() || second.Checking() {
		t.Fatalf("Checking = %v, %v; want only the first process", first.Checking(), second.Checking())
	}

	first.Run(context.Background())
	second.Run(context.Background())
	if len(firstEsc) != 1 {
		t.Errorf("lock holder escalations = %d, want 1", len(firstEsc))
	}
	if len(secondEsc) != 0 {
		t.Errorf("second process escalations = %d, want 0", len(secondEsc))
	}
}

func TestFileLines_LargeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big")
	writeFile(t, path, strings.Repeat("0123456789abcdef\n", 10000))

	got, err := fileLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if got != 10000 {
		t.Errorf("fileLines() = %d, want 10000", got)
	}
}
