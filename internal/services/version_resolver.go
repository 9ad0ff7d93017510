package services

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// VersionResolver issues version and sequence numbers and detects and
// resolves disagreements between metadata copies
type VersionResolver struct {
	version  atomic.Uint64
	sequence atomic.Uint64
	window   time.Duration
}

// NewVersionResolver creates a resolver with counters starting at zero
func NewVersionResolver() *VersionResolver {
	return &VersionResolver{window: types.ConflictWindow}
}

// NextVersion returns the next metadata version
func (r *VersionResolver) NextVersion() uint64 {
	return r.version.Add(1)
}

// NextSequence returns the next write sequence number
func (r *VersionResolver) NextSequence() uint64 {
	return r.sequence.Add(1)
}

// Current returns the last issued version and sequence
func (r *VersionResolver) Current() (uint64, uint64) {
	return r.version.Load(), r.sequence.Load()
}

// Observe raises the counters to at least the values in header so numbering
// continues above anything already persisted
func (r *VersionResolver) Observe(header types.MetadataHeader) {
	raise(&r.version, header.Version)
	raise(&r.sequence, header.Sequence)
}

func raise(counter *atomic.Uint64, floor uint64) {
	for {
		cur := counter.Load()
		if cur >= floor || counter.CompareAndSwap(cur, floor) {
			return
		}
	}
}

// DetectConflicts compares every pair of valid copies. A pair conflicts when
// their versions differ but were written within the conflict window, or when
// they carry the same version with a different sequence or timestamp.
// Conflicts are returned most severe first.
func (r *VersionResolver) DetectConflicts(copies []types.CopyCandidate) []types.Conflict {
	var conflicts []types.Conflict
	for i := 0; i < len(copies); i++ {
		a := copies[i]
		if !a.IsValid || a.Blob == nil {
			continue
		}
		for j := i + 1; j < len(copies); j++ {
			b := copies[j]
			if !b.IsValid || b.Blob == nil {
				continue
			}
			ha, hb := a.Blob.Header, b.Blob.Header
			delta := absDuration(time.Duration(int64(ha.UpdatedAt) - int64(hb.UpdatedAt)))

			var kind types.ConflictKind
			switch {
			case ha.Version != hb.Version && delta < r.window:
				kind = types.ConflictConcurrentVersions
			case ha.Version == hb.Version && (ha.Sequence != hb.Sequence || ha.UpdatedAt != hb.UpdatedAt):
				kind = types.ConflictDivergentVersion
			default:
				continue
			}

			severity := classifySeverity(delta)
			conflicts = append(conflicts, types.Conflict{
				CopyA:       a.Index,
				CopyB:       b.Index,
				VersionA:    ha.Version,
				VersionB:    hb.Version,
				SequenceA:   ha.Sequence,
				SequenceB:   hb.Sequence,
				TimeDelta:   delta,
				Kind:        kind,
				Severity:    severity,
				Recommended: recommendedStrategy(severity),
			})
		}
	}
	sort.SliceStable(conflicts, func(i, j int) bool {
		return conflicts[i].Severity > conflicts[j].Severity
	})
	return conflicts
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func classifySeverity(delta time.Duration) types.ConflictSeverity {
	switch {
	case delta < time.Second:
		return types.SeverityHigh
	case delta < types.ConflictWindow:
		return types.SeverityMedium
	default:
		return types.SeverityLow
	}
}

func recommendedStrategy(severity types.ConflictSeverity) types.ResolutionStrategy {
	switch severity {
	case types.SeverityHigh:
		return types.StrategyConservative
	case types.SeverityMedium:
		return types.StrategyHighestSequence
	default:
		return types.StrategyNewestTimestamp
	}
}

// Resolve picks the winner of a conflict. StrategyNone applies the
// conflict's recommended strategy. The returned blob is a copy of the winner
// whose version header records the losing version.
func (r *VersionResolver) Resolve(conflict types.Conflict, copies []types.CopyCandidate, strategy types.ResolutionStrategy) (*types.MetadataBlob, error) {
	a, b, err := conflictPair(conflict, copies)
	if err != nil {
		return nil, err
	}
	if strategy == types.StrategyNone {
		strategy = conflict.Recommended
	}

	ha, hb := a.Header, b.Header
	var winner, loser *types.MetadataBlob
	switch strategy {
	case types.StrategyNewestTimestamp:
		winner, loser = a, b
		if hb.UpdatedAt > ha.UpdatedAt || (hb.UpdatedAt == ha.UpdatedAt && hb.Sequence > ha.Sequence) {
			winner, loser = b, a
		}
	case types.StrategyHighestSequence:
		winner, loser = a, b
		if hb.Sequence > ha.Sequence {
			winner, loser = b, a
		}
	case types.StrategyConservative:
		winner, loser = a, b
		if hb.UpdatedAt < ha.UpdatedAt || (hb.UpdatedAt == ha.UpdatedAt && hb.Sequence < ha.Sequence) {
			winner, loser = b, a
		}
	case types.StrategyManual:
		return nil, fmt.Errorf("%w: copies %d and %d (versions %d and %d): %w",
			types.ErrConflict, conflict.CopyA, conflict.CopyB, conflict.VersionA, conflict.VersionB, types.ErrManualResolution)
	default:
		return nil, fmt.Errorf("unsupported resolution strategy %s", strategy)
	}

	resolved := winner.Clone()
	resolved.Versions.RecordConflict(loser.Header.Version, strategy)
	return resolved, nil
}

func conflictPair(conflict types.Conflict, copies []types.CopyCandidate) (*types.MetadataBlob, *types.MetadataBlob, error) {
	var a, b *types.MetadataBlob
	for i := range copies {
		c := copies[i]
		if !c.IsValid || c.Blob == nil {
			continue
		}
		switch c.Index {
		case conflict.CopyA:
			a = c.Blob
		case conflict.CopyB:
			b = c.Blob
		}
	}
	if a == nil || b == nil {
		return nil, nil, fmt.Errorf("%w: conflicting copies %d and %d not both valid", types.ErrConflict, conflict.CopyA, conflict.CopyB)
	}
	return a, b, nil
}

// CheckCompatibility returns a 0-100 confidence that metadata written under
// format version v1 can be used by code expecting v2
func CheckCompatibility(v1, v2 uint32) int {
	diff := v1 - v2
	if v2 > v1 {
		diff = v2 - v1
	}
	switch diff {
	case 0:
		return 100
	case 1:
		return 90
	case 2:
		return 75
	case 3:
		return 50
	case 4:
		return 25
	default:
		return 0
	}
}

// RequiresMigrationPlan reports whether moving between the two format
// versions needs an explicit migration rather than an in-place upgrade
func RequiresMigrationPlan(v1, v2 uint32) bool {
	return CheckCompatibility(v1, v2) < 75
}
