//go:build !(linux && cgo)

package gpu

import (
	"context"
	"errors"
)

// ErrNVMLUnavailable is returned on platforms built without NVML.
var ErrNVMLUnavailable = errors.New("NVML is not available on this platform")

func IsNVMLAvailable() bool { return false }

// NewNVML returns a manager whose every call fails on platforms without
// NVML (non-Linux or CGO disabled), so a configured GPU check escalates
// instead of passing silently.
func NewNVML() Manager { return unavailable{} }

type unavailable struct{}

func (unavailable) Initialize(context.Context) error { return ErrNVMLUnavailable }
func (unavailable) Shutdown(context.Context) error   { return ErrNVMLUnavailable }

func (unavailable) GetDeviceCount(context.Context) (int, error) {
	return 0, ErrNVMLUnavailable
}

func (unavailable) GetDeviceInfo(context.Context, int) (*DeviceInfo, error) {
	return nil, ErrNVMLUnavailable
}

func (unavailable) GetDeviceHealth(context.Context, int) (*HealthInfo, error) {
	return nil, ErrNVMLUnavailable
}
