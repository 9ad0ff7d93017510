// File: internal/interfaces/remap.go
package interfaces

import (
	"context"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// RemapLookup is the surface the I/O dispatch path consults on every request
type RemapLookup interface {
	// Lookup returns the spare sector for sector, if it has been relocated
	Lookup(sector uint64) (uint64, bool)

	// IsRemapped reports whether sector has a remap entry without touching its counters
	IsRemapped(sector uint64) bool
}

// Remapper creates new remap entries
type Remapper interface {
	RemapLookup

	// Insert records a redirection from original to spare
	Insert(original, spare uint64, reason types.RemapReason) error

	// Remap allocates the next free spare sector for original and records the redirection
	Remap(original uint64, reason types.RemapReason) (uint64, error)

	// RecordError increments the error counter of an existing entry
	RecordError(sector uint64) bool
}

// MetadataReader reads the authoritative metadata copy
type MetadataReader interface {
	// Read returns the best valid copy together with the per-copy report
	Read(ctx context.Context) (*types.ReadResult, error)
}

// MetadataWriter persists metadata to every copy
type MetadataWriter interface {
	// Write stamps a new version and sequence on blob and writes every copy
	Write(ctx context.Context, blob *types.MetadataBlob) (*types.WriteReport, error)
}

// MetadataRepairer heals copies that disagree with the best copy
type MetadataRepairer interface {
	// Repair rewrites every invalid or stale copy from the best copy
	Repair(ctx context.Context) (*types.RepairReport, error)
}

// MetadataStore groups the metadata persistence operations
type MetadataStore interface {
	MetadataReader
	MetadataWriter
	MetadataRepairer
}
