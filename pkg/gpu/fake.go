package gpu

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Op names a Manager method for fault injection.
type Op string

const (
	OpInitialize   Op = "Initialize"
	OpShutdown     Op = "Shutdown"
	OpDeviceCount  Op = "GetDeviceCount"
	OpDeviceInfo   Op = "GetDeviceInfo"
	OpDeviceHealth Op = "GetDeviceHealth"
)

// ErrAlreadyInitialized is returned by Initialize on an open manager.
var ErrAlreadyInitialized = errors.New("gpu manager already initialized")

// Fake is an in-memory Manager for tests. Faults can be injected per
// method or per device, and every call can be made to block the way a
// wedged driver does.
type Fake struct {
	mu      sync.Mutex
	devices []fakeDevice
	open    bool

	faults       map[Op]error
	deviceFaults map[int]error
	hang         chan struct{}
	calls        map[Op]int
}

type fakeDevice struct {
	info   DeviceInfo
	health HealthInfo
}

// NewFake returns a manager with n identical healthy devices.
func NewFake(n int) *Fake {
	devices := make([]fakeDevice, n)
	for i := range devices {
		devices[i] = fakeDevice{
			info: DeviceInfo{
				Index:    i,
				UUID:     fmt.Sprintf("GPU-fake-%04d", i),
				Name:     "NVIDIA H100 80GB HBM3",
				PCIBusID: fmt.Sprintf("0000:%02x:00.0", 0x10+i),
				Memory:   80 << 30,
			},
			health: HealthInfo{
				Temperature:    45,
				PowerUsage:     300,
				MemoryUsed:     40 << 30,
				MemoryTotal:    80 << 30,
				GPUUtilization: 75,
			},
		}
	}
	return &Fake{
		devices:      devices,
		faults:       make(map[Op]error),
		deviceFaults: make(map[int]error),
		calls:        make(map[Op]int),
	}
}

// call records op, waits out an injected hang and returns with f.mu held.
func (f *Fake) call(op Op) error {
	f.mu.Lock()
	f.calls[op]++
	hang := f.hang
	f.mu.Unlock()

	if hang != nil {
		<-hang
	}

	f.mu.Lock()
	return f.faults[op]
}

func (f *Fake) Initialize(ctx context.Context) error {
	err := f.call(OpInitialize)
	defer f.mu.Unlock()
	if err != nil {
		return err
	}
	if f.open {
		return ErrAlreadyInitialized
	}
	f.open = true
	return nil
}

func (f *Fake) Shutdown(ctx context.Context) error {
	err := f.call(OpShutdown)
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotInitialized
	}
	f.open = false
	return err
}

func (f *Fake) GetDeviceCount(ctx context.Context) (int, error) {
	err := f.call(OpDeviceCount)
	defer f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	if !f.open {
		return 0, ErrNotInitialized
	}
	return len(f.devices), nil
}

func (f *Fake) GetDeviceInfo(ctx context.Context, index int) (*DeviceInfo, error) {
	err := f.call(OpDeviceInfo)
	defer f.mu.Unlock()
	d, err := f.deviceLocked(index, err)
	if err != nil {
		return nil, err
	}
	info := d.info
	return &info, nil
}

func (f *Fake) GetDeviceHealth(ctx context.Context, index int) (*HealthInfo, error) {
	err := f.call(OpDeviceHealth)
	defer f.mu.Unlock()
	d, err := f.deviceLocked(index, err)
	if err != nil {
		return nil, err
	}
	h := d.health
	h.Unsupported = slices.Clone(h.Unsupported)
	return &h, nil
}

func (f *Fake) deviceLocked(index int, opErr error) (*fakeDevice, error) {
	if opErr != nil {
		return nil, opErr
	}
	if !f.open {
		return nil, ErrNotInitialized
	}
	if index < 0 || index >= len(f.devices) {
		return nil, fmt.Errorf("invalid device index: %d", index)
	}
	if err := f.deviceFaults[index]; err != nil {
		return nil, err
	}
	return &f.devices[index], nil
}

// Fail makes every call of op return err. A nil err clears the fault.
// A failing Shutdown still closes the manager.
func (f *Fake) Fail(op Op, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.faults, op)
		return
	}
	f.faults[op] = err
}

// FailDevice makes info and health queries for one device return err.
func (f *Fake) FailDevice(index int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.deviceFaults, index)
		return
	}
	f.deviceFaults[index] = err
}

// UpdateHealth edits the health reported for a device.
func (f *Fake) UpdateHealth(index int, update func(*HealthInfo)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= 0 && index < len(f.devices) {
		update(&f.devices[index].health)
	}
}

// Hang blocks every call made from now on until release is called.
// Release is idempotent.
func (f *Fake) Hang() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.hang = ch
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			if f.hang == ch {
				f.hang = nil
			}
			f.mu.Unlock()
			close(ch)
		})
	}
}

// Reset clears every injected fault. It does not release a hang.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.faults)
	clear(f.deviceFaults)
}

// Calls returns how many times the given methods were called, or the total
// across all methods when none are given.
func (f *Fake) Calls(ops ...Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(ops) == 0 {
		n := 0
		for _, c := range f.calls {
			n += c
		}
		return n
	}
	n := 0
	for _, op := range ops {
		n += f.calls[op]
	}
	return n
}
