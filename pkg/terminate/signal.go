package terminate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// Signal kills the current process with a signal it cannot handle.
type Signal struct {
	sig   syscall.Signal
	raise RaiseFunc
}

// NewSignal creates a signal backend. A nil raise sends to the current
// process.
func NewSignal(sig syscall.Signal, raise RaiseFunc) *Signal {
	if raise == nil {
		raise = RaiseSelf
	}
	return &Signal{sig: sig, raise: raise}
}

// Name returns "signal".
func (s *Signal) Name() string {
	return "signal"
}

// Kill raises the configured signal.
func (s *Signal) Kill(_ context.Context, _ string) error {
	if err := s.raise(s.sig); err != nil {
		return fmt.Errorf("raise %s: %w", unix.SignalName(s.sig), err)
	}
	return nil
}

// ErrCatchableSignal is returned for a signal the process could handle or
// ignore, which would leave a hung job running.
var ErrCatchableSignal = errors.New("signal can be caught; only SIGKILL is allowed")

// ParseKillSignal parses s like ParseSignal and rejects every signal the
// process could catch. An empty string is SIGKILL.
func ParseKillSignal(s string) (syscall.Signal, error) {
	sig, err := ParseSignal(s)
	if err != nil {
		return 0, err
	}
	if sig != unix.SIGKILL {
		return 0, fmt.Errorf("%s: %w", unix.SignalName(sig), ErrCatchableSignal)
	}
	return sig, nil
}

// ParseSignal accepts a signal name with or without the SIG prefix, or a
// signal number.
func ParseSignal(s string) (syscall.Signal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return unix.SIGKILL, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || unix.SignalName(syscall.Signal(n)) == "" {
			return 0, fmt.Errorf("unknown signal number %d", n)
		}
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", s)
	}
	return sig, nil
}
