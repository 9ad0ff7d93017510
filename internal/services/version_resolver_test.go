package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/types"
)

var resolverBase = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func candidate(index int, version, sequence uint64, updated time.Time) types.CopyCandidate {
	blob := &types.MetadataBlob{}
	blob.Header.Version = version
	blob.Header.Sequence = sequence
	blob.Header.UpdatedAt = uint64(updated.UnixNano())
	return types.CopyCandidate{Index: index, Blob: blob, Sequence: sequence, IsValid: true}
}

func TestVersionResolverCountersAreMonotonic(t *testing.T) {
	r := NewVersionResolver()
	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- r.NextSequence()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for s := range seen {
		assert.False(t, unique[s], "sequence %d issued twice", s)
		unique[s] = true
	}
	_, seq := r.Current()
	assert.Equal(t, uint64(100), seq)
}

func TestVersionResolverObserveOnlyRaises(t *testing.T) {
	r := NewVersionResolver()
	r.Observe(types.MetadataHeader{Version: 10, Sequence: 20})
	assert.Equal(t, uint64(11), r.NextVersion())
	assert.Equal(t, uint64(21), r.NextSequence())

	r.Observe(types.MetadataHeader{Version: 3, Sequence: 4})
	version, sequence := r.Current()
	assert.Equal(t, uint64(11), version)
	assert.Equal(t, uint64(21), sequence)
}

func TestDetectConflicts(t *testing.T) {
	tests := []struct {
		name         string
		copies       []types.CopyCandidate
		wantKind     types.ConflictKind
		wantSeverity types.ConflictSeverity
		wantStrategy types.ResolutionStrategy
		wantNone     bool
	}{
		{
			name: "identical copies",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				candidate(1, 5, 9, resolverBase),
			},
			wantNone: true,
		},
		{
			name: "versions differ within a second",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				candidate(1, 6, 10, resolverBase.Add(500*time.Millisecond)),
			},
			wantKind:     types.ConflictConcurrentVersions,
			wantSeverity: types.SeverityHigh,
			wantStrategy: types.StrategyConservative,
		},
		{
			name: "versions differ within the window",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				candidate(1, 6, 10, resolverBase.Add(3*time.Second)),
			},
			wantKind:     types.ConflictConcurrentVersions,
			wantSeverity: types.SeverityMedium,
			wantStrategy: types.StrategyHighestSequence,
		},
		{
			name: "versions differ outside the window",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				candidate(1, 6, 10, resolverBase.Add(time.Minute)),
			},
			wantNone: true,
		},
		{
			name: "same version, different sequence",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				candidate(1, 5, 12, resolverBase.Add(time.Minute)),
			},
			wantKind:     types.ConflictDivergentVersion,
			wantSeverity: types.SeverityLow,
			wantStrategy: types.StrategyNewestTimestamp,
		},
		{
			name: "invalid copies are ignored",
			copies: []types.CopyCandidate{
				candidate(0, 5, 9, resolverBase),
				{Index: 1, IsValid: false},
			},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conflicts := NewVersionResolver().DetectConflicts(tt.copies)
			if tt.wantNone {
				assert.Empty(t, conflicts)
				return
			}
			require.Len(t, conflicts, 1)
			c := conflicts[0]
			assert.Equal(t, tt.wantKind, c.Kind)
			assert.Equal(t, tt.wantSeverity, c.Severity)
			assert.Equal(t, tt.wantStrategy, c.Recommended)
			assert.Equal(t, 0, c.CopyA)
			assert.Equal(t, 1, c.CopyB)
		})
	}
}

func TestDetectConflictsMostSevereFirst(t *testing.T) {
	copies := []types.CopyCandidate{
		candidate(0, 5, 9, resolverBase),
		candidate(1, 6, 10, resolverBase.Add(3*time.Second)),
		candidate(2, 6, 10, resolverBase.Add(3*time.Second)),
	}
	conflicts := NewVersionResolver().DetectConflicts(copies)
	require.Len(t, conflicts, 2)
	assert.Equal(t, types.SeverityMedium, conflicts[0].Severity)
	assert.Equal(t, types.SeverityMedium, conflicts[1].Severity)

	copies[2] = candidate(2, 7, 11, resolverBase.Add(3*time.Second+200*time.Millisecond))
	conflicts = NewVersionResolver().DetectConflicts(copies)
	require.Len(t, conflicts, 3)
	assert.Equal(t, types.SeverityHigh, conflicts[0].Severity, "copies 1 and 2 are 200ms apart")
	assert.Equal(t, 1, conflicts[0].CopyA)
	assert.Equal(t, 2, conflicts[0].CopyB)
}

func TestResolve(t *testing.T) {
	// Copy 0 is newer but has the lower sequence
	copies := []types.CopyCandidate{
		candidate(0, 7, 10, resolverBase.Add(2*time.Second)),
		candidate(1, 6, 11, resolverBase),
	}
	r := NewVersionResolver()
	conflicts := r.DetectConflicts(copies)
	require.Len(t, conflicts, 1)

	tests := []struct {
		strategy    types.ResolutionStrategy
		wantVersion uint64
		wantLoser   uint64
		wantApplied types.ResolutionStrategy
	}{
		{types.StrategyNewestTimestamp, 7, 6, types.StrategyNewestTimestamp},
		{types.StrategyHighestSequence, 6, 7, types.StrategyHighestSequence},
		{types.StrategyConservative, 6, 7, types.StrategyConservative},
		{types.StrategyNone, 6, 7, types.StrategyHighestSequence},
	}
	for _, tt := range tests {
		t.Run(tt.strategy.String(), func(t *testing.T) {
			winner, err := r.Resolve(conflicts[0], copies, tt.strategy)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVersion, winner.Header.Version)
			assert.Equal(t, tt.wantLoser, winner.Versions.ConflictVersions[0])
			assert.Equal(t, uint32(1), winner.Versions.ConflictCount)
			assert.Equal(t, tt.wantApplied, winner.Versions.ResolutionStrategy)
			assert.Zero(t, copies[0].Blob.Versions.ConflictCount, "inputs must not be modified")
		})
	}

	_, err := r.Resolve(conflicts[0], copies, types.StrategyManual)
	assert.ErrorIs(t, err, types.ErrManualResolution)
	assert.ErrorIs(t, err, types.ErrConflict)
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		v1, v2    uint32
		want      int
		migration bool
	}{
		{1, 1, 100, false},
		{1, 2, 90, false},
		{3, 1, 75, false},
		{1, 4, 50, true},
		{5, 1, 25, true},
		{1, 9, 0, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CheckCompatibility(tt.v1, tt.v2), "%d -> %d", tt.v1, tt.v2)
		assert.Equal(t, tt.migration, RequiresMigrationPlan(tt.v1, tt.v2), "%d -> %d", tt.v1, tt.v2)
	}
}
