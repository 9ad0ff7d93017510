package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/deploymenttheory/go-remap/internal/config"
	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/parsers/metadata"
	"github.com/deploymenttheory/go-remap/internal/types"
)

// FormatParams describes a new primary/spare binding
type FormatParams struct {
	Primary        types.DeviceFingerprint
	Spare          types.DeviceFingerprint
	PrimarySectors uint64
	SpareSectors   uint64
	Capacity       uint32
}

// NewMetadataBlob returns the blob of a freshly formatted binding: no remap
// entries, full health and a new binding UUID. Version and timestamps are
// assigned by the first Write.
func NewMetadataBlob(p FormatParams) *types.MetadataBlob {
	return &types.MetadataBlob{
		Header: types.MetadataHeader{
			Magic:         types.MetadataMagic,
			FormatVersion: types.MetadataFormatVersion,
		},
		Primary: p.Primary,
		Spare:   p.Spare,
		Target: types.TargetConfig{
			PrimarySectors: p.PrimarySectors,
			SectorSize:     types.SectorSize,
			RemapCapacity:  p.Capacity,
		},
		SpareArea: types.SpareInfo{
			SpareSectors:    p.SpareSectors,
			DataStart:       types.SpareDataStartSector,
			MetadataSectors: metadata.BlobSectors(p.Capacity),
		},
		Reassembly: types.ReassemblyInstructions{
			BindingUUID:     device.NewBindingUUID(),
			Flags:           types.ReassemblyFlagClean,
			PrimaryPathHash: device.HashString(p.Primary.Path),
			SparePathHash:   device.HashString(p.Spare.Path),
		},
		RemapTable: types.RemapSummary{
			Capacity:      p.Capacity,
			NextFreeSpare: types.SpareDataStartSector,
		},
		Health: types.HealthSummary{
			Score: 100,
			Trend: uint8(types.TrendStable),
		},
	}
}

// ErrAlreadyFormatted is returned by FormatBinding when the spare already
// holds valid metadata and force is not set.
var ErrAlreadyFormatted = errors.New("spare device already holds remap metadata")

// FormatBinding writes fresh metadata binding primary to spare. Valid
// metadata already on the spare is overwritten only when force is set; the
// new blob then continues the version numbering of the old one.
func FormatBinding(ctx context.Context, id string, primary, spare interfaces.SectorDevice, cfg *config.Config, force bool) (*types.MetadataBlob, *types.WriteReport, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	store, err := NewMetadataStore(spare, NewVersionResolver(), MetadataStoreConfig{
		Offsets:        cfg.CopyOffsets(),
		Capacity:       cfg.Metadata.RemapCapacity,
		MaxCopyRetries: cfg.Repair.MaxCopyRetries,
		BackoffBase:    cfg.Repair.BackoffBase,
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	existing, err := store.Read(ctx)
	switch {
	case err == nil && !force:
		return nil, nil, fmt.Errorf("%w: version %d, sequence %d",
			ErrAlreadyFormatted, existing.Best.Header.Version, existing.Best.Header.Sequence)
	case err == nil:
		log.Warningf("overwriting metadata version %d holding %d remap entries",
			existing.Best.Header.Version, len(existing.Best.Entries))
	case errors.Is(err, types.ErrNotFound):
	case force:
		log.Warningf("overwriting unreadable metadata: %v", err)
	default:
		return nil, nil, fmt.Errorf("failed to read existing metadata: %w", err)
	}

	blob := NewMetadataBlob(FormatParams{
		Primary:        identityOf(primary, id+"/primary"),
		Spare:          identityOf(spare, id+"/spare"),
		PrimarySectors: primary.TotalSectors(),
		SpareSectors:   spare.TotalSectors(),
		Capacity:       cfg.Metadata.RemapCapacity,
	})
	report, err := store.Write(ctx, blob)
	if err != nil {
		return nil, report, err
	}
	log.Noticef("formatted binding %s: %d/%d copies written", device.FormatUUID(blob.Reassembly.BindingUUID),
		len(report.Written), types.MetadataCopyCount)
	return blob, report, nil
}
