package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/NavarchProject/intervalcheck/pkg/config"
	"github.com/NavarchProject/intervalcheck/pkg/metrics"
	"github.com/NavarchProject/intervalcheck/pkg/monitor"
)

const preloadVar = "LD_PRELOAD"

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a batch command under the monitor",
		Long: `Start the monitor, then run the command as a child process. The child is
killed if this process dies, and SIGINT and SIGTERM are forwarded to it.
The exit status is the child's.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logger := newLogger(cfg.Log, os.Stderr)
			slog.SetDefault(logger)

			code, err := run(cmd.Context(), cfg, args, logger)
			if err != nil {
				logger.Error("intervalcheck failed", slog.String("error", err.Error()))
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
	return cmd
}

func run(ctx context.Context, cfg *config.Config, argv []string, logger *slog.Logger) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := metrics.New()
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			m,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv, err := serveMetrics(cfg.Metrics.Address, reg, logger)
		if err != nil {
			return 0, err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	mon, err := monitor.New(cfg, monitor.WithLogger(logger), monitor.WithMetrics(m))
	if err != nil {
		return 0, err
	}
	if err := mon.Start(ctx); err != nil {
		return 0, err
	}
	defer func() {
		if err := mon.Stop(); err != nil {
			logger.Warn("failed to release election lock", slog.String("error", err.Error()))
		}
	}()

	logger.Info("starting child",
		slog.String("command", strings.Join(argv, " ")),
		slog.Bool("leader", mon.Leader()),
		slog.Any("callbacks", mon.Callbacks()),
	)
	return runChild(ctx, argv, cfg.UnsetPreload, logger)
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *slog.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	return srv, nil
}

// runChild runs argv to completion and returns its exit code.
func runChild(ctx context.Context, argv []string, unsetPreload bool, logger *slog.Logger) (int, error) {
	// The parent-death signal follows the forking thread, so this goroutine
	// holds its thread until the child has been reaped.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	child := exec.Command(argv[0], argv[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = childEnv(os.Environ(), unsetPreload)
	child.SysProcAttr = childProcAttr()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := child.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	for {
		select {
		case sig := <-sigs:
			logger.InfoContext(ctx, "forwarding signal to child", slog.String("signal", sig.String()))
			if err := child.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.WarnContext(ctx, "failed to forward signal", slog.String("error", err.Error()))
			}
		case err := <-done:
			return exitCode(err)
		}
	}
}

// exitCode maps a Wait error to a shell-style exit status: the child's code,
// or 128 plus the signal number if it was killed.
func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exit *exec.ExitError
	if !errors.As(err, &exit) {
		return 0, err
	}
	if status, ok := exit.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal()), nil
	}
	return exit.ExitCode(), nil
}

// childEnv copies env, dropping LD_PRELOAD when unset is true.
func childEnv(env []string, unset bool) []string {
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if unset && strings.HasPrefix(kv, preloadVar+"=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
