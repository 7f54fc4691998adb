package fabric

import (
	"fmt"
	"sync"
)

// Device holds the per-device resources shared by every connection
// that resolves onto it: a protection domain and one completion queue
// sized for all expected work entries. Memory regions are registered
// per queue pair (QueuePair.RegisterMemory), not per device. handle is
// the opaque cgo/verbs resource the real binding attaches; it is nil in
// the simulated fabric.
type Device struct {
	Name    string
	RKey    uint32
	handle  any
	notify  int // notification channel fd, or -1; never added to the event loop
}

// DeviceRegistry lazily creates one Device per distinct RDMA device a
// connection resolves onto. It holds the engine's event loop but adds no
// device fd to it.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]*Device
	loop    *Loop

	// newDevice constructs device resources; swapped out in tests /
	// the simulated fabric to avoid touching real hardware.
	newDevice func(name string) (*Device, error)
}

// NewDeviceRegistry builds a registry that creates devices with
// newDevice. loop is kept on the registry; no device fd is added to it.
func NewDeviceRegistry(loop *Loop, newDevice func(name string) (*Device, error)) *DeviceRegistry {
	return &DeviceRegistry{
		devices:   make(map[string]*Device),
		loop:      loop,
		newDevice: newDevice,
	}
}

// Get returns the Device for name, creating it on first use.
func (r *DeviceRegistry) Get(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d, ok := r.devices[name]; ok {
		return d, nil
	}

	d, err := r.newDevice(name)
	if err != nil {
		return nil, fmt.Errorf("fabric: device %q bring-up failed: %w", name, err)
	}
	r.devices[name] = d

	if r.loop != nil && d.notify >= 0 {
		// Nothing is registered with the loop here; the registry only
		// tracks the device for later teardown.
	}
	return d, nil
}

// All returns every registered device, for teardown.
func (r *DeviceRegistry) All() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}
