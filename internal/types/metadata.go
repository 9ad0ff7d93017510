package types

import "time"

// MetadataHeader is the fixed header at the start of every metadata blob.
// Layout (little endian, 56 bytes):
//
//	magic u32 | format_version u32 | version u64 | sequence u64 |
//	created u64 | updated u64 | checksum u32 | copy_index u32 |
//	size u32 | entry_count u32
type MetadataHeader struct {
	// Magic must equal MetadataMagic.
	Magic uint32
	// FormatVersion identifies the blob schema.
	FormatVersion uint32
	// Version is the monotonic metadata version counter.
	Version uint64
	// Sequence is the globally unique, strictly increasing write sequence.
	// It is the sole authority when choosing between copies.
	Sequence uint64
	// CreatedAt is the unix-nanosecond time the binding was first formatted.
	CreatedAt uint64
	// UpdatedAt is the unix-nanosecond time of the write that produced this copy.
	UpdatedAt uint64
	// Checksum is the CRC-32 over the whole blob with this field and the
	// trailer treated as zero.
	Checksum uint32
	// CopyIndex is the physical copy slot this blob was written to.
	CopyIndex uint32
	// Size is the total encoded size in bytes, including padding and trailer.
	Size uint32
	// EntryCount is the number of serialized remap entries.
	EntryCount uint32
}

// Updated returns the update timestamp as a time.Time.
func (h MetadataHeader) Updated() time.Time {
	return time.Unix(0, int64(h.UpdatedAt))
}

// Created returns the creation timestamp as a time.Time.
func (h MetadataHeader) Created() time.Time {
	return time.Unix(0, int64(h.CreatedAt))
}

// ResolutionStrategy selects the winner among conflicting copies.
type ResolutionStrategy uint8

const (
	// StrategyNone records that no resolution has been applied.
	StrategyNone ResolutionStrategy = iota
	// StrategyNewestTimestamp keeps the copy with the latest update time.
	StrategyNewestTimestamp
	// StrategyHighestSequence keeps the copy with the largest sequence number.
	StrategyHighestSequence
	// StrategyConservative keeps the copy with the oldest update time.
	StrategyConservative
	// StrategyManual refuses to pick a winner automatically.
	StrategyManual
)

// String returns the string representation of ResolutionStrategy.
func (s ResolutionStrategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyNewestTimestamp:
		return "newest-timestamp"
	case StrategyHighestSequence:
		return "highest-sequence"
	case StrategyConservative:
		return "conservative"
	case StrategyManual:
		return "manual"
	default:
		return "unknown"
	}
}

// VersionHeader tracks version lineage and conflict audit data for a blob.
type VersionHeader struct {
	// ParentVersion is the version this blob was derived from.
	ParentVersion uint64
	// Chain holds the most recent ancestor versions, newest first.
	Chain [VersionChainLength]uint64
	// CopyVersions records the version written to each copy slot at the last full write.
	CopyVersions [MetadataCopyCount]uint64
	// CopyTimestamps records the write time of each copy slot at the last full write.
	CopyTimestamps [MetadataCopyCount]uint64
	// ConflictCount is the number of conflicts resolved into this lineage.
	ConflictCount uint32
	// ConflictVersions holds the most recent conflicting versions, newest first.
	ConflictVersions [ConflictHistoryLength]uint64
	// ResolutionStrategy is the strategy used by the last resolution.
	ResolutionStrategy ResolutionStrategy
}

// PushAncestor records version as the newest ancestor, dropping the oldest.
func (v *VersionHeader) PushAncestor(version uint64) {
	copy(v.Chain[1:], v.Chain[:VersionChainLength-1])
	v.Chain[0] = version
	v.ParentVersion = version
}

// RecordConflict records a conflicting version for audit.
func (v *VersionHeader) RecordConflict(version uint64, strategy ResolutionStrategy) {
	copy(v.ConflictVersions[1:], v.ConflictVersions[:ConflictHistoryLength-1])
	v.ConflictVersions[0] = version
	v.ConflictCount++
	v.ResolutionStrategy = strategy
}

// DeviceFingerprint identifies a physical device for audit trails.
type DeviceFingerprint struct {
	// UUID is the identity assigned to the device.
	UUID [16]byte
	// Path is the system path the device was opened from, truncated to FingerprintPathSize.
	Path string
	// SizeSectors is the device size in sectors.
	SizeSectors uint64
	// SerialHash is a 64-bit hash of the device serial number.
	SerialHash uint64
}

// TargetConfig describes the protected volume.
type TargetConfig struct {
	// PrimarySectors is the number of addressable sectors on the primary volume.
	PrimarySectors uint64
	// SectorSize is the primary volume sector size in bytes.
	SectorSize uint32
	// RemapCapacity is the fixed number of remap entries the binding supports.
	RemapCapacity uint32
}

// SpareInfo describes the spare area.
type SpareInfo struct {
	// SpareSectors is the total number of sectors on the spare device.
	SpareSectors uint64
	// DataStart is the first sector available for relocated data.
	DataStart uint64
	// MetadataSectors is the size of a single metadata copy in sectors.
	MetadataSectors uint32
}

// Reassembly flags.
const (
	// ReassemblyFlagClean marks a binding that was stopped cleanly.
	ReassemblyFlagClean uint32 = 1 << 0
	// ReassemblyFlagDegraded marks a binding that was running degraded.
	ReassemblyFlagDegraded uint32 = 1 << 1
)

// ReassemblyInstructions carries what is needed to rebuild the binding after a restart.
type ReassemblyInstructions struct {
	// BindingUUID identifies the primary/spare pairing.
	BindingUUID [16]byte
	// Flags is a set of ReassemblyFlag values.
	Flags uint32
	// PrimaryPathHash is a hash of the primary device path.
	PrimaryPathHash uint64
	// SparePathHash is a hash of the spare device path.
	SparePathHash uint64
}

// RemapSummary describes the remap table at the time of the write.
type RemapSummary struct {
	Count         uint32
	Capacity      uint32
	NextFreeSpare uint64
}

// HealthSummary describes the scanner state at the time of the write.
type HealthSummary struct {
	// Score is the aggregate health 0-100.
	Score uint8
	// Trend is the HealthTrend classification.
	Trend uint8
	// ScanCursor is the next primary sector the scanner will visit.
	ScanCursor uint64
	// ScanPasses is the number of completed full scans.
	ScanPasses uint64
	// ErrorSectors is the cumulative number of sectors that failed to read.
	ErrorSectors uint64
	// WarningSectors is the cumulative number of sectors scored below the warning threshold.
	WarningSectors uint64
	// LastFullScan is the unix-nanosecond time of the last completed full scan.
	LastFullScan uint64
}

// MetadataBlob is the decoded form of one physical metadata copy.
type MetadataBlob struct {
	Header     MetadataHeader
	Versions   VersionHeader
	Primary    DeviceFingerprint
	Spare      DeviceFingerprint
	Target     TargetConfig
	SpareArea  SpareInfo
	Reassembly ReassemblyInstructions
	RemapTable RemapSummary
	Health     HealthSummary
	Entries    []RemapEntry
	Reserved   [ReservedExpansionSize]byte
	Trailer    uint32
}

// Clone returns a deep copy of the blob.
func (b *MetadataBlob) Clone() *MetadataBlob {
	if b == nil {
		return nil
	}
	clone := *b
	clone.Entries = append([]RemapEntry(nil), b.Entries...)
	return &clone
}

// SemanticallyEqual reports whether two blobs carry the same content,
// ignoring the fields that differ between physical copies of the same write
// (copy index and checksums).
func (b *MetadataBlob) SemanticallyEqual(other *MetadataBlob) bool {
	if b == nil || other == nil {
		return b == other
	}
	lh, rh := b.Header, other.Header
	lh.CopyIndex, rh.CopyIndex = 0, 0
	lh.Checksum, rh.Checksum = 0, 0
	if lh != rh {
		return false
	}
	if b.Versions != other.Versions ||
		b.Primary != other.Primary ||
		b.Spare != other.Spare ||
		b.Target != other.Target ||
		b.SpareArea != other.SpareArea ||
		b.Reassembly != other.Reassembly ||
		b.RemapTable != other.RemapTable ||
		b.Health != other.Health ||
		b.Reserved != other.Reserved {
		return false
	}
	if len(b.Entries) != len(other.Entries) {
		return false
	}
	for i := range b.Entries {
		if b.Entries[i] != other.Entries[i] {
			return false
		}
	}
	return true
}
