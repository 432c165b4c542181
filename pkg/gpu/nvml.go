//go:build linux && cgo

package gpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// NVMLError is a failed NVML call.
type NVMLError struct {
	Op     string
	Return nvml.Return
}

func (e *NVMLError) Error() string {
	return fmt.Sprintf("nvml %s: %s", e.Op, nvml.ErrorString(e.Return))
}

func check(op string, ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &NVMLError{Op: op, Return: ret}
}

// NVML reads devices through NVIDIA's management library. NVML calls can
// block forever on a wedged device; the context is not consulted.
type NVML struct {
	lib nvml.Interface

	mu   sync.RWMutex
	open bool
}

// NewNVML returns a manager backed by the system's libnvidia-ml.
func NewNVML() Manager {
	return &NVML{lib: nvml.New()}
}

func (n *NVML) Initialize(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.open {
		return ErrAlreadyInitialized
	}
	if err := check("init", n.lib.Init()); err != nil {
		return err
	}
	n.open = true
	return nil
}

func (n *NVML) Shutdown(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.open {
		return ErrNotInitialized
	}
	n.open = false
	return check("shutdown", n.lib.Shutdown())
}

func (n *NVML) GetDeviceCount(ctx context.Context) (int, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if !n.open {
		return 0, ErrNotInitialized
	}
	count, ret := n.lib.DeviceGetCount()
	return count, check("device count", ret)
}

// device must be called with n.mu held.
func (n *NVML) device(index int) (nvml.Device, error) {
	if !n.open {
		return nil, ErrNotInitialized
	}
	d, ret := n.lib.DeviceGetHandleByIndex(index)
	if err := check(fmt.Sprintf("handle %d", index), ret); err != nil {
		return nil, err
	}
	return d, nil
}

func (n *NVML) GetDeviceInfo(ctx context.Context, index int) (*DeviceInfo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	d, err := n.device(index)
	if err != nil {
		return nil, err
	}

	info := &DeviceInfo{Index: index}
	var ret nvml.Return
	if info.UUID, ret = d.GetUUID(); ret != nvml.SUCCESS {
		return nil, check("uuid", ret)
	}
	if info.Name, ret = d.GetName(); ret != nvml.SUCCESS {
		return nil, check("name", ret)
	}
	pci, ret := d.GetPciInfo()
	if err := check("pci info", ret); err != nil {
		return nil, err
	}
	info.PCIBusID = busID(pci.BusId[:])
	mem, ret := d.GetMemoryInfo()
	if err := check("memory info", ret); err != nil {
		return nil, err
	}
	info.Memory = mem.Total
	return info, nil
}

// GetDeviceHealth reads the device's current health. Temperature,
// utilization, power draw and ECC counts are not reported by every board
// (MIG instances have no utilization, for one); a reading NVML reports as
// unsupported is listed in Unsupported. Any other failure is an error.
func (n *NVML) GetDeviceHealth(ctx context.Context, index int) (*HealthInfo, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	d, err := n.device(index)
	if err != nil {
		return nil, err
	}

	mem, ret := d.GetMemoryInfo()
	if err := check("memory info", ret); err != nil {
		return nil, err
	}
	h := &HealthInfo{
		MemoryUsed:  mem.Used,
		MemoryTotal: mem.Total,
	}

	temp, ret := d.GetTemperature(nvml.TEMPERATURE_GPU)
	if ok, err := h.optional(MetricTemperature, ret); err != nil {
		return nil, err
	} else if ok {
		h.Temperature = int(temp)
	}

	util, ret := d.GetUtilizationRates()
	if ok, err := h.optional(MetricGPUUtilization, ret); err != nil {
		return nil, err
	} else if ok {
		h.GPUUtilization = int(util.Gpu)
	}

	mw, ret := d.GetPowerUsage()
	if ok, err := h.optional(MetricPowerUsage, ret); err != nil {
		return nil, err
	} else if ok {
		h.PowerUsage = float64(mw) / 1000
	}

	ecc, ret := d.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.VOLATILE_ECC)
	if ok, err := h.optional(MetricECCUncorrected, ret); err != nil {
		return nil, err
	} else if ok {
		h.ECCUncorrected = ecc
	}
	return h, nil
}

// optional reports whether the reading for metric can be used. A reading
// the device does not support is recorded in h.Unsupported.
func (h *HealthInfo) optional(metric string, ret nvml.Return) (bool, error) {
	switch ret {
	case nvml.SUCCESS:
		return true, nil
	case nvml.ERROR_NOT_SUPPORTED:
		h.Unsupported = append(h.Unsupported, metric)
		return false, nil
	default:
		return false, &NVMLError{Op: metric, Return: ret}
	}
}

// busID converts the NUL-terminated PCI bus id to a string.
func busID[T ~int8 | ~uint8](raw []T) string {
	b := make([]byte, 0, len(raw))
	for _, c := range raw {
		if c == 0 {
			break
		}
		b = append(b, byte(c))
	}
	return string(b)
}

// IsNVMLAvailable reports whether the library loads and initializes.
func IsNVMLAvailable() bool {
	lib := nvml.New()
	if lib.Init() != nvml.SUCCESS {
		return false
	}
	lib.Shutdown()
	return true
}
