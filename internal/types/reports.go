package types

import "time"

// CopyCandidate represents one physical metadata copy observed during a read
type CopyCandidate struct {
	Index    int
	Sector   uint64
	Blob     *MetadataBlob
	Sequence uint64
	IsValid  bool
	ErrorMsg string
	Err      error
}

// ReadResult is the outcome of a quorum read across all copies
type ReadResult struct {
	// Best is the valid copy with the highest sequence number.
	Best *MetadataBlob
	// BestIndex is the copy slot Best was read from.
	BestIndex int
	// Candidates holds one entry per physical copy, in slot order.
	Candidates []CopyCandidate
	// ValidCopies is the number of candidates that passed validation.
	ValidCopies int
	// RepairNeeded is set when fewer than MetadataCopyCount copies are valid
	// or valid copies disagree.
	RepairNeeded bool
	// Conflicts lists disagreeing pairs of valid copies.
	Conflicts []Conflict
}

// WriteReport is the outcome of writing every copy
type WriteReport struct {
	Version  uint64
	Sequence uint64
	Written  []int
	Failed   []*CopyError
	Duration time.Duration
}

// Complete reports whether every copy was written.
func (r *WriteReport) Complete() bool {
	return len(r.Failed) == 0
}

// RepairReport is the outcome of a repair pass
type RepairReport struct {
	// SourceIndex is the copy slot used as the repair source.
	SourceIndex int
	Sequence    uint64
	Repaired    []int
	Failed      []*CopyError
	// Attempts counts every copy write issued, retries included.
	Attempts int
	Duration time.Duration
}

// ConflictKind distinguishes the two detection rules
type ConflictKind uint8

const (
	// ConflictConcurrentVersions marks different versions written within the conflict window.
	ConflictConcurrentVersions ConflictKind = iota + 1
	// ConflictDivergentVersion marks identical versions with different sequence or timestamp.
	ConflictDivergentVersion
)

// String returns the string representation of ConflictKind.
func (k ConflictKind) String() string {
	switch k {
	case ConflictConcurrentVersions:
		return "concurrent-versions"
	case ConflictDivergentVersion:
		return "divergent-version"
	default:
		return "unknown"
	}
}

// ConflictSeverity grades a conflict by how close in time the writes were
type ConflictSeverity uint8

const (
	SeverityLow ConflictSeverity = iota + 1
	SeverityMedium
	SeverityHigh
)

// String returns the string representation of ConflictSeverity.
func (s ConflictSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Conflict describes two valid copies that disagree
type Conflict struct {
	CopyA       int
	CopyB       int
	VersionA    uint64
	VersionB    uint64
	SequenceA   uint64
	SequenceB   uint64
	TimeDelta   time.Duration
	Kind        ConflictKind
	Severity    ConflictSeverity
	Recommended ResolutionStrategy
}
