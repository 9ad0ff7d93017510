package types

import "time"

// RemapReason records why a sector was relocated.
type RemapReason uint8

const (
	// ReasonReadError marks a remap triggered by a failed read.
	ReasonReadError RemapReason = iota + 1
	// ReasonWriteError marks a remap triggered by a failed write.
	ReasonWriteError
	// ReasonPreventive marks a remap the health scanner judged necessary.
	ReasonPreventive
	// ReasonManual marks a remap requested by an operator.
	ReasonManual
)

// String returns the string representation of RemapReason.
func (r RemapReason) String() string {
	switch r {
	case ReasonReadError:
		return "read-error"
	case ReasonWriteError:
		return "write-error"
	case ReasonPreventive:
		return "preventive"
	case ReasonManual:
		return "manual"
	default:
		return "unknown"
	}
}

// ErrorTriggered reports whether the reason stems from an observed I/O error.
func (r RemapReason) ErrorTriggered() bool {
	return r == ReasonReadError || r == ReasonWriteError
}

// Remap entry flags.
const (
	// RemapFlagActive marks an entry consulted by lookups. Remaps are
	// permanent, so every stored entry carries it.
	RemapFlagActive uint8 = 1 << 0
	// RemapFlagFromScan marks an entry created by the health scanner.
	RemapFlagFromScan uint8 = 1 << 1
	// RemapFlagRestored marks an entry loaded from persisted metadata.
	RemapFlagRestored uint8 = 1 << 2
)

// RemapEntrySize is the encoded size of a RemapEntry in bytes.
//
//	original u64 | spare u64 | created u64 | access u32 | errors u16 | reason u8 | flags u8
const RemapEntrySize = 32

// RemapEntry is a durable redirection from an original sector to a spare sector.
type RemapEntry struct {
	OriginalSector uint64
	SpareSector    uint64
	// CreatedAt is the unix-nanosecond creation time.
	CreatedAt   uint64
	AccessCount uint32
	ErrorCount  uint16
	Reason      RemapReason
	Flags       uint8
}

// Created returns the creation timestamp as a time.Time.
func (e RemapEntry) Created() time.Time {
	return time.Unix(0, int64(e.CreatedAt))
}

// HealthTrend classifies the recent direction of a device's health score.
type HealthTrend uint8

const (
	// TrendStable indicates no significant movement.
	TrendStable HealthTrend = iota
	// TrendImproving indicates a rising score.
	TrendImproving
	// TrendDegrading indicates a falling score.
	TrendDegrading
)

// String returns the string representation of HealthTrend.
func (t HealthTrend) String() string {
	switch t {
	case TrendStable:
		return "stable"
	case TrendImproving:
		return "improving"
	case TrendDegrading:
		return "degrading"
	default:
		return "unknown"
	}
}
