package services

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrDuplicateDevice is returned when registering an ID that is already in use
var ErrDuplicateDevice = errors.New("device already registered")

// DeviceRegistry owns the running bindings of a process
type DeviceRegistry struct {
	mu      sync.RWMutex
	devices map[string]*RemapDevice
}

// NewDeviceRegistry creates an empty registry
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]*RemapDevice)}
}

// Register adds dev under its ID
func (r *DeviceRegistry) Register(dev *RemapDevice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[dev.ID()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, dev.ID())
	}
	r.devices[dev.ID()] = dev
	log.Debugf("registered device %s", dev.ID())
	return nil
}

// Unregister removes the device and stops it. The registry lock is released
// before stopping so a slow teardown does not block other lookups.
func (r *DeviceRegistry) Unregister(id string) error {
	r.mu.Lock()
	dev, ok := r.devices[id]
	delete(r.devices, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("device %s not registered", id)
	}
	return dev.Stop()
}

// Get returns the device registered under id
func (r *DeviceRegistry) Get(id string) (*RemapDevice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[id]
	return dev, ok
}

// Len returns the number of registered devices
func (r *DeviceRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Snapshot returns the status of every registered device ordered by ID
func (r *DeviceRegistry) Snapshot() []DeviceStatus {
	r.mu.RLock()
	devices := make([]*RemapDevice, 0, len(r.devices))
	for _, dev := range r.devices {
		devices = append(devices, dev)
	}
	r.mu.RUnlock()

	out := make([]DeviceStatus, len(devices))
	for i, dev := range devices {
		out[i] = dev.Status()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StopAll unregisters and stops every device, returning the joined errors
func (r *DeviceRegistry) StopAll() error {
	r.mu.Lock()
	devices := r.devices
	r.devices = make(map[string]*RemapDevice)
	r.mu.Unlock()

	var errs []error
	for id, dev := range devices {
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
