// Package gpu reads device state from the GPU driver.
package gpu

import (
	"context"
	"errors"
	"math"
)

// ErrNotInitialized is returned by device queries made before Initialize.
var ErrNotInitialized = errors.New("gpu manager not initialized")

// DeviceInfo contains information about a GPU device.
type DeviceInfo struct {
	Index    int
	UUID     string
	Name     string
	PCIBusID string
	Memory   uint64
}

// HealthInfo contains health metrics for a GPU device.
type HealthInfo struct {
	Temperature    int
	PowerUsage     float64
	MemoryUsed     uint64
	MemoryTotal    uint64
	GPUUtilization int

	// ECCUncorrected is the volatile uncorrected ECC error count.
	ECCUncorrected uint64

	// Unsupported lists the metric names the device does not report.
	// They are left out of Metrics, so policy rules reading them do not
	// match.
	Unsupported []string
}

// Metric names.
const (
	MetricTemperature    = "temperature"
	MetricPowerUsage     = "power_usage"
	MetricMemoryUsed     = "memory_used"
	MetricMemoryTotal    = "memory_total"
	MetricGPUUtilization = "gpu_utilization"
	MetricECCUncorrected = "ecc_uncorrected"
)

// Metrics returns the health values keyed by the names health policies
// refer to. Integers are int64 and real numbers float64, so rules can
// compare them against plain literals. Counters above math.MaxInt64 are
// clamped.
func (h *HealthInfo) Metrics() map[string]any {
	m := map[string]any{
		MetricTemperature:    int64(h.Temperature),
		MetricPowerUsage:     h.PowerUsage,
		MetricMemoryUsed:     clampInt64(h.MemoryUsed),
		MetricMemoryTotal:    clampInt64(h.MemoryTotal),
		MetricGPUUtilization: int64(h.GPUUtilization),
		MetricECCUncorrected: clampInt64(h.ECCUncorrected),
	}
	for _, name := range h.Unsupported {
		delete(m, name)
	}
	return m
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// Manager provides access to GPU information and health metrics.
//
// Any method may block indefinitely when a device is wedged; callers that
// cannot afford that run them under a watchdog.
type Manager interface {
	// Initialize prepares the GPU manager for use.
	Initialize(ctx context.Context) error

	// Shutdown cleans up resources.
	Shutdown(ctx context.Context) error

	// GetDeviceCount returns the number of GPU devices available.
	GetDeviceCount(ctx context.Context) (int, error)

	// GetDeviceInfo returns information about a specific GPU device.
	GetDeviceInfo(ctx context.Context, index int) (*DeviceInfo, error)

	// GetDeviceHealth returns current health metrics for a specific GPU device.
	GetDeviceHealth(ctx context.Context, index int) (*HealthInfo, error)
}
