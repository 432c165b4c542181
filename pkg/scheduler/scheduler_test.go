package scheduler

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/NavarchProject/intervalcheck/pkg/clock"
	"github.com/NavarchProject/intervalcheck/pkg/metrics"
	"github.com/NavarchProject/intervalcheck/pkg/registry"
)

func countingEntry(name string, counter *[]string) registry.Entry {
	return registry.Entry{
		Name: name,
		Fn:   func(context.Context) { *counter = append(*counter, name) },
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "valid", cfg: Config{Interval: time.Second, Stride: 1}},
		{name: "zero interval", cfg: Config{Stride: 1}, wantErr: true},
		{name: "negative interval", cfg: Config{Interval: -time.Second, Stride: 1}, wantErr: true},
		{name: "zero stride", cfg: Config{Interval: time.Second}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ShouldRunFormula(t *testing.T) {
	configs := []Config{
		{Interval: time.Second, InitialSkips: 0, Stride: 1},
		{Interval: time.Second, InitialSkips: 2, Stride: 3},
		{Interval: time.Second, InitialSkips: 5, Stride: 2, OneShot: true},
		{Interval: time.Second, InitialSkips: 1, Stride: 7},
	}

	for _, cfg := range configs {
		for tick := uint64(0); tick < 100; tick++ {
			for _, fired := range []bool{false, true} {
				want := tick >= cfg.InitialSkips &&
					(tick-cfg.InitialSkips)%cfg.Stride == 0 &&
					!(cfg.OneShot && fired)
				if got := cfg.ShouldRun(tick, fired); got != want {
					t.Errorf("cfg %+v ShouldRun(%d, %v) = %v, want %v", cfg, tick, fired, got, want)
				}
			}
		}
	}
}

func TestScheduler_SkipAndStride(t *testing.T) {
	var calls []string
	s, err := New(
		Config{Interval: 5 * time.Second, InitialSkips: 2, Stride: 3},
		[]registry.Entry{countingEntry("check", &calls)},
		WithClock(clock.NewFakeClock(time.Now())),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var ranOn []uint64
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		before := len(calls)
		s.tick(ctx)
		if len(calls) > before {
			ranOn = append(ranOn, s.State().TickCount)
		}
	}

	want := []uint64{2, 5, 8, 11}
	if len(ranOn) != len(want) {
		t.Fatalf("ran on ticks %v, want %v", ranOn, want)
	}
	for i := range want {
		if ranOn[i] != want[i] {
			t.Errorf("ran on ticks %v, want %v", ranOn, want)
			break
		}
	}
}

func TestScheduler_OneShot(t *testing.T) {
	var calls []string
	s, err := New(
		Config{Interval: time.Second, InitialSkips: 3, Stride: 1, OneShot: true},
		[]registry.Entry{countingEntry("check", &calls)},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 50; i++ {
		s.tick(ctx)
	}

	if len(calls) != 1 {
		t.Errorf("one-shot check ran %d times, want 1", len(calls))
	}
	state := s.State()
	if state.TickCount != 50 {
		t.Errorf("TickCount = %d, want 50", state.TickCount)
	}
	if !state.Fired {
		t.Error("Fired = false, want true")
	}
}

func TestScheduler_RegistrationOrder(t *testing.T) {
	var calls []string
	s, err := New(
		Config{Interval: time.Second, Stride: 1},
		[]registry.Entry{
			countingEntry("b", &calls),
			countingEntry("a", &calls),
			countingEntry("c", &calls),
		},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	s.tick(context.Background())
	s.tick(context.Background())

	want := []string{"b", "a", "c", "b", "a", "c"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestNew_Errors(t *testing.T) {
	entries := []registry.Entry{{Name: "x", Fn: func(context.Context) {}}}

	if _, err := New(Config{Stride: 1}, entries); err == nil {
		t.Error("expected error for zero interval")
	}
	if _, err := New(Config{Interval: time.Second, Stride: 1}, nil); !errors.Is(err, registry.ErrNoCallbacks) {
		t.Errorf("error = %v, want ErrNoCallbacks", err)
	}
}

func TestScheduler_StartRunsOnTicker(t *testing.T) {
	fc := clock.NewFakeClock(time.Now())
	ran := make(chan uint64, 10)

	var s *Scheduler
	s, err := New(
		Config{Interval: time.Minute, Stride: 1},
		[]registry.Entry{{Name: "check", Fn: func(context.Context) {
			ran <- s.tickCount.Load()
		}}},
		WithClock(fc),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}

	waitTick := func(want uint64) {
		t.Helper()
		select {
		case got := <-ran:
			if got != want {
				t.Errorf("callback saw tick %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tick %d", want)
		}
	}

	// First tick is immediate.
	waitTick(1)

	fc.Advance(time.Minute)
	waitTick(2)

	fc.Advance(time.Minute)
	waitTick(3)

	s.Stop()
	s.Wait()

	fc.Advance(time.Minute)
	select {
	case <-ran:
		t.Error("callback ran after Stop")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestScheduler_NoOverlappingTicks(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 10)

	s, err := New(
		Config{Interval: 5 * time.Millisecond, Stride: 1},
		[]registry.Entry{{Name: "slow", Fn: func(context.Context) {
			entered <- struct{}{}
			<-release
		}}},
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	<-entered
	// While the first callback is stuck, no further tick may begin.
	time.Sleep(50 * time.Millisecond)
	if got := s.State().TickCount; got != 1 {
		t.Errorf("TickCount = %d while callback blocked, want 1", got)
	}
	if len(entered) != 0 {
		t.Error("a second tick entered the callback while the first was running")
	}

	s.Stop()
	close(release)
	s.Wait()
}

func TestScheduler_Metrics(t *testing.T) {
	m := metrics.New()
	reg := prometheus.NewRegistry()
	reg.MustRegister(m)

	var calls []string
	s, err := New(
		Config{Interval: time.Second, InitialSkips: 1, Stride: 2},
		[]registry.Entry{countingEntry("check", &calls)},
		WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	for i := 0; i < 4; i++ {
		s.tick(context.Background())
	}

	if err := testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP intervalcheck_ticks_total Total number of scheduler ticks
# TYPE intervalcheck_ticks_total counter
intervalcheck_ticks_total 4
# HELP intervalcheck_callback_runs_total Total number of callback invocations by callback name
# TYPE intervalcheck_callback_runs_total counter
intervalcheck_callback_runs_total{callback="check"} 2
`), "intervalcheck_ticks_total", "intervalcheck_callback_runs_total"); err != nil {
		t.Error(err)
	}
}
