package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/config"
	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/types"
)

const (
	testCapacity       = 64
	testPrimarySectors = 4096
	testSpareSectors   = types.SpareDataStartSector + 2048
)

func newTestPrimary() *device.MemoryDevice {
	return device.NewMemoryDevice("primary", testPrimarySectors, types.SectorSize)
}

func newTestSpare() *device.MemoryDevice {
	return device.NewMemoryDevice("spare", testSpareSectors, types.SectorSize)
}

func newTestStore(t *testing.T, spare *device.MemoryDevice) (*MetadataStore, *Stats) {
	t.Helper()
	config := DefaultMetadataStoreConfig(testCapacity)
	config.MaxCopyRetries = 2
	config.BackoffBase = time.Millisecond
	stats := &Stats{}
	store, err := NewMetadataStore(spare, NewVersionResolver(), config, stats)
	require.NoError(t, err)
	return store, stats
}

func newTestBlob(primary, spare *device.MemoryDevice, entries int) *types.MetadataBlob {
	blob := NewMetadataBlob(FormatParams{
		Primary:        primary.Fingerprint(),
		Spare:          spare.Fingerprint(),
		PrimarySectors: primary.TotalSectors(),
		SpareSectors:   spare.TotalSectors(),
		Capacity:       testCapacity,
	})
	for i := 0; i < entries; i++ {
		blob.Entries = append(blob.Entries, types.RemapEntry{
			OriginalSector: uint64(100 + i),
			SpareSector:    types.SpareDataStartSector + uint64(i),
			CreatedAt:      uint64(time.Now().UnixNano()),
			Reason:         types.ReasonReadError,
			Flags:          types.RemapFlagActive,
			ErrorCount:     1,
		})
	}
	blob.RemapTable.NextFreeSpare = types.SpareDataStartSector + uint64(entries)
	return blob
}

// testConfig returns a configuration with fast timers and the scanner disabled
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Metadata.RemapCapacity = testCapacity
	cfg.Scanner.Enabled = false
	cfg.Scanner.ChunkSectors = 512
	cfg.Scanner.YieldDuration = 0
	cfg.Scanner.RandomSeed = 1
	cfg.Repair.BackoffBase = time.Millisecond
	cfg.Repair.MaxCopyRetries = 1
	cfg.Repair.MaxRetries = 2
	cfg.Sync.WriteTimeout = time.Second
	cfg.Debounce.Window = time.Minute
	return cfg
}

// startTestDevice starts a binding and waits for it to load
func startTestDevice(t *testing.T, primary, spare *device.MemoryDevice, cfg *config.Config) *RemapDevice {
	t.Helper()
	dev, err := NewRemapDevice("test", primary, spare, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dev.Stop() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, dev.Start(context.Background()))
	require.NoError(t, dev.WaitReady(ctx))
	return dev
}

// rewriteMagic overwrites the magic number of the blob starting at sector
func rewriteMagic(t *testing.T, spare *device.MemoryDevice, sector uint64, magic uint32) {
	t.Helper()
	ctx := context.Background()
	data, err := spare.ReadSectors(ctx, sector, 1)
	require.NoError(t, err)
	data[0] = byte(magic)
	data[1] = byte(magic >> 8)
	data[2] = byte(magic >> 16)
	data[3] = byte(magic >> 24)
	require.NoError(t, spare.WriteSectors(ctx, sector, data))
}
