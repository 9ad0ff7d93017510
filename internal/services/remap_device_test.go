package services

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/types"
)

var _ interfaces.SectorDevice = (*slowDevice)(nil)

// slowDevice delays writes until the delay elapses or the context is cancelled
type slowDevice struct {
	*device.MemoryDevice
	delay atomic.Int64
}

func (s *slowDevice) WriteSectors(ctx context.Context, sector uint64, data []byte) error {
	if d := time.Duration(s.delay.Load()); d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.MemoryDevice.WriteSectors(ctx, sector, data)
}

func sectorOf(b byte) []byte {
	return bytes.Repeat([]byte{b}, int(types.SectorSize))
}

func TestRemapDeviceFormatsBlankSpare(t *testing.T) {
	primary, spare := newTestPrimary(), newTestSpare()
	dev := startTestDevice(t, primary, spare, testConfig())

	assert.Equal(t, StateLoadedEmpty, dev.State())
	require.NotNil(t, dev.Table())
	assert.Zero(t, dev.Table().Count())
	assert.Equal(t, uint32(testCapacity), dev.Table().Capacity())

	status := dev.Status()
	assert.Equal(t, "loaded-empty", status.State)
	assert.True(t, status.Active)
	assert.NotEmpty(t, status.BindingUUID)
	assert.Equal(t, uint64(1), status.Sequence)
	assert.Equal(t, types.MetadataCopyCount, status.ValidCopies)
	assert.Equal(t, 100, status.HealthScore)

	result, err := dev.Store().Read(context.Background())
	require.NoError(t, err)
	assert.Equal(t, primary.Fingerprint(), result.Best.Primary)
	assert.Equal(t, spare.Fingerprint(), result.Best.Spare)
}

func TestRemapDevicePassesThroughBeforeLoad(t *testing.T) {
	primary, spare := newTestPrimary(), newTestSpare()
	dev, err := NewRemapDevice("test", primary, spare, testConfig())
	require.NoError(t, err)
	defer dev.Stop()

	assert.Equal(t, StateUnloaded, dev.State())
	target, onSpare, err := dev.MapSector(42)
	assert.ErrorIs(t, err, types.ErrNotLoaded)
	assert.Equal(t, uint64(42), target)
	assert.False(t, onSpare)

	require.NoError(t, primary.WriteSectors(context.Background(), 42, sectorOf(0x42)))
	data, err := dev.ReadSectors(context.Background(), 42, 1)
	require.NoError(t, err)
	assert.Equal(t, sectorOf(0x42), data)

	_, err = dev.ReportIOError(42, types.RolePrimary, OpRead, device.ErrMediumError)
	assert.ErrorIs(t, err, types.ErrNotLoaded)
	assert.Zero(t, spare.Writes(), "nothing touches the spare before Start")
}

func TestRemapDevicePersistsRemapsAcrossRestart(t *testing.T) {
	primary, spare := newTestPrimary(), newTestSpare()
	cfg := testConfig()
	dev := startTestDevice(t, primary, spare, cfg)

	target, err := dev.ReportIOError(100, types.RolePrimary, OpRead, device.ErrMediumError)
	require.NoError(t, err)
	assert.Equal(t, types.SpareDataStartSector, target)

	require.Eventually(t, func() bool {
		status := dev.Status()
		return status.Sequence >= 2 && !status.Dirty
	}, 2*time.Second, 5*time.Millisecond, "the remap should be persisted by the sync loop")
	require.NoError(t, dev.Stop())
	assert.Equal(t, StateStopped, dev.State())

	reopened := startTestDevice(t, primary, spare, cfg)
	assert.Equal(t, StateLoaded, reopened.State())
	target, onSpare, err := reopened.MapSector(100)
	require.NoError(t, err)
	assert.True(t, onSpare)
	assert.Equal(t, types.SpareDataStartSector, target)

	entry, ok := reopened.Table().Get(100)
	require.True(t, ok)
	assert.Equal(t, types.ReasonReadError, entry.Reason)
	assert.NotZero(t, entry.Flags&types.RemapFlagRestored)

	// Numbering continues above the persisted sequence
	report, err := reopened.Sync(context.Background())
	require.NoError(t, err)
	assert.Greater(t, report.Sequence, uint64(2))
}

func TestRemapDeviceSpareErrorsNeverRemap(t *testing.T) {
	dev := startTestDevice(t, newTestPrimary(), newTestSpare(), testConfig())

	_, err := dev.ReportIOError(types.SpareDataStartSector+3, types.RoleSpare, OpWrite, device.ErrMediumError)
	require.Error(t, err)
	var devErr *types.DeviceError
	require.True(t, errors.As(err, &devErr))
	assert.Equal(t, types.RoleSpare, devErr.Role)
	assert.ErrorIs(t, err, types.ErrDevice)

	assert.Zero(t, dev.Table().Count())
	assert.Equal(t, int64(1), dev.Stats().SpareErrors.Load())
	assert.Zero(t, dev.Stats().Remaps.Load())
}

func TestRemapDeviceIgnoresErrorsBeyondPrimary(t *testing.T) {
	dev := startTestDevice(t, newTestPrimary(), newTestSpare(), testConfig())

	for _, sector := range []uint64{testPrimarySectors, testPrimarySectors + 1000} {
		_, err := dev.ReportIOError(sector, types.RolePrimary, OpRead, device.ErrMediumError)
		assert.Error(t, err, "sector %d", sector)
	}
	assert.Zero(t, dev.Table().Count())
	assert.Zero(t, dev.Stats().Remaps.Load())

	_, err := dev.ReportIOError(testPrimarySectors-1, types.RolePrimary, OpRead, device.ErrMediumError)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), dev.Table().Count())
}

func TestRemapDeviceDebouncesRepeatedErrors(t *testing.T) {
	dev := startTestDevice(t, newTestPrimary(), newTestSpare(), testConfig())

	first, err := dev.ReportIOError(7, types.RolePrimary, OpRead, device.ErrMediumError)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := dev.ReportIOError(7, types.RolePrimary, OpRead, device.ErrMediumError)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	assert.Equal(t, uint32(1), dev.Table().Count())
	assert.Equal(t, int64(3), dev.Stats().DebouncedErrs.Load())
	entry, _ := dev.Table().Get(7)
	assert.Equal(t, uint16(1), entry.ErrorCount, "debounced reports do not count as new errors")
}

func TestRemapDeviceRedirectsFailedWrites(t *testing.T) {
	ctx := context.Background()
	primary, spare := newTestPrimary(), newTestSpare()
	dev := startTestDevice(t, primary, spare, testConfig())
	primary.FailWrites(10)

	payload := bytes.Join([][]byte{sectorOf(8), sectorOf(9), sectorOf(10), sectorOf(11)}, nil)
	require.NoError(t, dev.WriteSectors(ctx, 8, payload))

	target, onSpare, err := dev.MapSector(10)
	require.NoError(t, err)
	assert.True(t, onSpare)
	entry, _ := dev.Table().Get(10)
	assert.Equal(t, types.ReasonWriteError, entry.Reason)

	data, err := dev.ReadSectors(ctx, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	onDisk, err := spare.ReadSectors(ctx, target, 1)
	require.NoError(t, err)
	assert.Equal(t, sectorOf(10), onDisk)
	for _, s := range []uint64{8, 9, 11} {
		got, err := primary.ReadSectors(ctx, s, 1)
		require.NoError(t, err)
		assert.Equal(t, sectorOf(byte(s)), got, "sector %d stays on the primary", s)
	}
	assert.Equal(t, int64(1), dev.Stats().Remaps.Load())
}

func TestRemapDeviceRelocatesFailedReads(t *testing.T) {
	ctx := context.Background()
	primary, spare := newTestPrimary(), newTestSpare()
	dev := startTestDevice(t, primary, spare, testConfig())
	primary.FailReads(20)

	_, err := dev.ReadSectors(ctx, 18, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDevice)
	assert.True(t, dev.Table().IsRemapped(20))
	assert.False(t, dev.Table().IsRemapped(19))

	// Later I/O is served from the spare
	require.NoError(t, dev.WriteSectors(ctx, 20, sectorOf(0x20)))
	data, err := dev.ReadSectors(ctx, 20, 1)
	require.NoError(t, err)
	assert.Equal(t, sectorOf(0x20), data)
}

func TestRemapDeviceManualRemap(t *testing.T) {
	dev := startTestDevice(t, newTestPrimary(), newTestSpare(), testConfig())

	spare, err := dev.RemapSector(5)
	require.NoError(t, err)
	assert.Equal(t, types.SpareDataStartSector, spare)

	again, err := dev.RemapSector(5)
	assert.ErrorIs(t, err, types.ErrAlreadyRemapped)
	assert.Equal(t, spare, again)

	_, err = dev.RemapSector(testPrimarySectors)
	assert.Error(t, err)

	entry, _ := dev.Table().Get(5)
	assert.Equal(t, types.ReasonManual, entry.Reason)
}

func TestRemapDeviceCapacityExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.Metadata.RemapCapacity = 2
	dev := startTestDevice(t, newTestPrimary(), newTestSpare(), cfg)

	for s := uint64(0); s < 2; s++ {
		_, err := dev.ReportIOError(s, types.RolePrimary, OpWrite, device.ErrMediumError)
		require.NoError(t, err)
	}
	_, err := dev.ReportIOError(2, types.RolePrimary, OpWrite, device.ErrMediumError)
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
}

func TestRemapDeviceRejectsForeignPrimary(t *testing.T) {
	ctx := context.Background()
	spare := newTestSpare()
	_, _, err := FormatBinding(ctx, "test", newTestPrimary(), spare, testConfig(), false)
	require.NoError(t, err)

	other := device.NewMemoryDevice("other-primary", testPrimarySectors, types.SectorSize)
	dev, err := NewRemapDevice("test", other, spare, testConfig())
	require.NoError(t, err)
	defer dev.Stop()
	require.NoError(t, dev.Start(ctx))

	err = dev.WaitReady(ctx)
	assert.ErrorIs(t, err, types.ErrIdentityMismatch)
	assert.Equal(t, StateFailed, dev.State())
	assert.Contains(t, dev.Status().LoadError, "primary")
	assert.Nil(t, dev.Table())
}

func TestRemapDeviceRepairsCorruptCopyOnLoad(t *testing.T) {
	ctx := context.Background()
	primary, spare := newTestPrimary(), newTestSpare()
	_, _, err := FormatBinding(ctx, "test", primary, spare, testConfig(), false)
	require.NoError(t, err)
	spare.Corrupt(types.MetadataCopyOffsets[2], 200)

	dev := startTestDevice(t, primary, spare, testConfig())
	assert.Equal(t, StateLoaded, dev.State())
	require.Eventually(t, func() bool {
		status := dev.Status()
		return status.Repair.Successes >= 1 && status.ValidCopies == types.MetadataCopyCount
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), dev.Stats().CopiesRepaired.Load())
}

func TestRemapDeviceManualConflictDegrades(t *testing.T) {
	ctx := context.Background()
	primary, spare := newTestPrimary(), newTestSpare()
	blob, _, err := FormatBinding(ctx, "test", primary, spare, testConfig(), false)
	require.NoError(t, err)

	// A second version that misses copy 4 leaves two versions within the conflict window
	store, _ := newTestStore(t, spare)
	_, err = store.Read(ctx)
	require.NoError(t, err)
	spare.FailWrites(types.MetadataCopyOffsets[4])
	_, err = store.Write(ctx, blob)
	require.NoError(t, err)
	spare.ClearFaults()

	cfg := testConfig()
	cfg.Metadata.ConflictStrategy = types.StrategyManual.String()
	dev := startTestDevice(t, primary, spare, cfg)

	assert.Equal(t, StateDegraded, dev.State())
	assert.Contains(t, dev.Status().DegradedReason, "manual")
	target, _, err := dev.MapSector(1)
	assert.NoError(t, err, "a degraded device keeps serving I/O")
	assert.Equal(t, uint64(1), target)
}

func TestRemapDeviceRestartKeepsNewestOfStaggeredCopies(t *testing.T) {
	primary, spare := newTestPrimary(), newTestSpare()
	writeStaggeredVersions(t, primary, spare)

	dev := startTestDevice(t, primary, spare, testConfig())
	assert.Equal(t, StateLoaded, dev.State())
	assert.Equal(t, uint32(2), dev.Table().Count())
	for _, sector := range []uint64{100, 101} {
		_, onSpare, err := dev.MapSector(sector)
		require.NoError(t, err)
		assert.True(t, onSpare, "sector %d", sector)
	}

	assert.GreaterOrEqual(t, dev.Status().Sequence, uint64(4))
	require.NoError(t, dev.Stop())

	reopened := startTestDevice(t, primary, spare, testConfig())
	assert.Equal(t, uint32(2), reopened.Table().Count())
}

func TestRemapDeviceSyncTimeout(t *testing.T) {
	primary := newTestPrimary()
	spare := &slowDevice{MemoryDevice: newTestSpare()}
	cfg := testConfig()
	cfg.Sync.WriteTimeout = 50 * time.Millisecond

	dev, err := NewRemapDevice("test", primary, spare, cfg)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, dev.Start(ctx))
	require.NoError(t, dev.WaitReady(ctx))

	spare.delay.Store(int64(time.Second))
	_, err = dev.Sync(ctx)
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, int64(1), dev.Stats().Timeouts.Load())
	assert.True(t, dev.Table().Dirty(), "a timed out write leaves the table dirty")

	spare.delay.Store(0)
	report, err := dev.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, report.Complete())
	assert.False(t, dev.Table().Dirty())
	require.NoError(t, dev.Stop())
}

func TestRemapDeviceStop(t *testing.T) {
	primary, spare := newTestPrimary(), newTestSpare()
	cfg := testConfig()
	cfg.Scanner.Enabled = true
	cfg.Scanner.YieldDuration = time.Millisecond
	cfg.Scanner.YieldEvery = 1
	dev := startTestDevice(t, primary, spare, cfg)

	// Leave an unsynced change for the final persist
	dev.Table().RestoreDirty()

	done := make(chan error, 1)
	go func() { done <- dev.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("stop blocked")
	}

	assert.Equal(t, StateStopped, dev.State())
	assert.False(t, dev.Status().Active)
	assert.False(t, dev.Table().Dirty(), "stop persists pending changes")
	assert.Equal(t, ScannerStopped, dev.Scanner().State())
	assert.NoError(t, dev.Stop(), "stop is idempotent")
	assert.Error(t, dev.Start(context.Background()), "a stopped device cannot restart")

	err := dev.WaitReady(context.Background())
	assert.True(t, err == nil || errors.Is(err, types.ErrCancelled))
}

func TestRemapDeviceStartContextCancels(t *testing.T) {
	dev, err := NewRemapDevice("test", newTestPrimary(), newTestSpare(), testConfig())
	require.NoError(t, err)
	defer dev.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dev.Start(ctx))
	require.NoError(t, dev.WaitReady(context.Background()))
	cancel()

	require.Eventually(t, func() bool {
		return !dev.Scheduler().Schedule()
	}, 2*time.Second, 5*time.Millisecond, "cancelling the start context stops background work")
	assert.Error(t, dev.Start(context.Background()))
}

func TestRemapDeviceScrubAndScan(t *testing.T) {
	ctx := context.Background()
	primary, spare := newTestPrimary(), newTestSpare()
	dev := startTestDevice(t, primary, spare, testConfig())

	spare.Corrupt(types.MetadataCopyOffsets[3], 200)
	report, err := dev.Scrub(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{3}, report.Repaired)

	primary.FailReads(64)
	score, err := dev.ScanNow(ctx)
	require.NoError(t, err)
	assert.Less(t, score, 100)
	assert.True(t, dev.Table().IsRemapped(64))

	candidates, err := dev.Inspect(ctx)
	require.NoError(t, err)
	assert.Len(t, candidates, types.MetadataCopyCount)
}
