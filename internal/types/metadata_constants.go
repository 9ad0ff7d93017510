// Package types defines the on-disk records, constants and error taxonomy
// shared by the remap engine.
package types

import "time"

// Metadata Area Constants
// The spare area begins with a metadata region holding MetadataCopyCount
// redundant copies of the metadata blob, followed by the relocated sector data.

const (
	// MetadataMagic identifies a metadata blob ("RMAP" little endian).
	MetadataMagic uint32 = 0x50414D52

	// MetadataFormatVersion is the current version of the blob schema.
	// Bumped whenever the serialized layout changes.
	MetadataFormatVersion uint32 = 1

	// MetadataMinFormatVersion is the oldest schema the decoder still accepts.
	MetadataMinFormatVersion uint32 = 1

	// MetadataCopyCount is the number of redundant physical copies.
	MetadataCopyCount = 5

	// SectorSize is the addressing unit used by the metadata area.
	// Blobs are always padded to a multiple of this value.
	SectorSize uint32 = 512

	// DefaultRemapCapacity is the default number of remap entries a blob can hold.
	DefaultRemapCapacity uint32 = 1024

	// MaxRemapCapacity bounds the capacity so that a blob still fits between
	// two adjacent copy offsets.
	MaxRemapCapacity uint32 = 16000

	// SpareDataStartSector is the first spare-area sector available for
	// relocated data. Everything below it belongs to the metadata region.
	SpareDataStartSector uint64 = 16384

	// MaxTimestampSkew is the furthest into the future a stored timestamp
	// may be before the copy is considered insane.
	MaxTimestampSkew = 24 * time.Hour

	// ConflictWindow is the span within which two differently versioned
	// copies are treated as concurrently written.
	ConflictWindow = 5 * time.Second

	// VersionChainLength bounds the number of ancestor versions kept in a blob.
	VersionChainLength = 8

	// ConflictHistoryLength bounds the conflicting versions recorded for audit.
	ConflictHistoryLength = 4

	// ReservedExpansionSize is the number of reserved bytes carried verbatim
	// for forward compatibility.
	ReservedExpansionSize = 256

	// FingerprintPathSize is the fixed width of the device path field.
	FingerprintPathSize = 128
)

// MetadataCopyOffsets are the spare-area sector offsets of each physical copy.
// Reference: copy index i is always stored at MetadataCopyOffsets[i].
var MetadataCopyOffsets = [MetadataCopyCount]uint64{0, 1024, 2048, 4096, 8192}

// Device roles distinguish the volume the I/O was addressed to from the
// spare that absorbs relocated sectors.
type DeviceRole uint8

const (
	// RolePrimary is the volume whose sectors are being protected.
	RolePrimary DeviceRole = iota
	// RoleSpare is the reserved device holding metadata and relocated data.
	RoleSpare
)

// String returns the string representation of DeviceRole.
func (r DeviceRole) String() string {
	switch r {
	case RolePrimary:
		return "primary"
	case RoleSpare:
		return "spare"
	default:
		return "unknown"
	}
}
