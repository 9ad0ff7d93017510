package app

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/deploymenttheory/go-remap/internal/config"
	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/services"
)

// Binding is an opened primary/spare pair and the remap device over it
type Binding struct {
	Target  BindingTarget
	Primary *device.FileDevice
	Spare   *device.FileDevice
	Device  *services.RemapDevice
}

// OpenDevices opens both devices of target. Paths are made absolute so the
// recorded identity does not depend on the working directory.
func OpenDevices(target BindingTarget, cfg *config.Config) (*device.FileDevice, *device.FileDevice, error) {
	primaryPath, err := filepath.Abs(target.PrimaryPath)
	if err != nil {
		return nil, nil, NewError(ErrCodeInvalidInput, "invalid primary path", err)
	}
	sparePath, err := filepath.Abs(target.SparePath)
	if err != nil {
		return nil, nil, NewError(ErrCodeInvalidInput, "invalid spare path", err)
	}

	primary, err := device.OpenFileDevice(primaryPath, device.FileDeviceConfig{
		SectorSize: cfg.Device.SectorSize,
		CacheSize:  cfg.Device.CacheSize,
		Serial:     target.PrimarySerial,
	})
	if err != nil {
		return nil, nil, NewError(ErrCodeDeviceAccess, "failed to open primary device", err)
	}
	// The spare is written through the metadata store, which has its own copies
	spare, err := device.OpenFileDevice(sparePath, device.FileDeviceConfig{
		SectorSize: cfg.Device.SectorSize,
		Serial:     target.SpareSerial,
	})
	if err != nil {
		primary.Close()
		return nil, nil, NewError(ErrCodeDeviceAccess, "failed to open spare device", err)
	}
	return primary, spare, nil
}

// OpenBinding opens the devices of target and wires a remap device over
// them without loading metadata. Unless background is set the health
// scanner is left off, which suits one-shot commands.
func OpenBinding(ctx *Context, target BindingTarget, background bool) (*Binding, error) {
	if err := target.Validate(); err != nil {
		return nil, NewError(ErrCodeInvalidInput, "invalid binding target", err)
	}
	cfg := *ctx.Config
	if !background {
		cfg.Scanner.Enabled = false
	}

	primary, spare, err := OpenDevices(target, &cfg)
	if err != nil {
		return nil, err
	}
	dev, err := services.NewRemapDevice(target.Name(), primary, spare, &cfg)
	if err != nil {
		primary.Close()
		spare.Close()
		return nil, NewError(ErrCodeInvalidInput, "failed to create remap device", err)
	}
	return &Binding{Target: target, Primary: primary, Spare: spare, Device: dev}, nil
}

// RequireFormatted fails unless at least one metadata copy validates.
// Starting a device over a blank spare formats it, which read-only
// commands must not do.
func (b *Binding) RequireFormatted(ctx *Context) error {
	candidates, err := b.Device.Inspect(ctx)
	if err != nil {
		return Wrap("failed to inspect metadata", err)
	}
	for _, c := range candidates {
		if c.IsValid {
			return nil
		}
	}
	return NewError(ErrCodeNotFormatted,
		fmt.Sprintf("no valid metadata on %s, run format first", b.Target.SparePath), nil)
}

// Start loads the metadata and waits for the device to become ready
func (b *Binding) Start(ctx *Context) error {
	if err := b.RequireFormatted(ctx); err != nil {
		return err
	}
	waitCtx, cancel := ctx.WithTimeout(ctx.DefaultTimeout)
	defer cancel()

	if err := b.Device.Start(ctx); err != nil {
		return Wrap("failed to start device", err)
	}
	if err := b.Device.WaitReady(waitCtx); err != nil {
		return Wrap("failed to load metadata", err)
	}
	return nil
}

// Close stops the remap device, persisting pending changes, then flushes
// and closes both devices
func (b *Binding) Close() error {
	var errs []error
	if err := b.Device.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop device: %w", err))
	}
	for _, dev := range []*device.FileDevice{b.Primary, b.Spare} {
		if err := dev.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("failed to flush %s: %w", dev.Path(), err))
		}
		if err := dev.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", dev.Path(), err))
		}
	}
	return errors.Join(errs...)
}
