package services

import (
	"sync/atomic"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("remap.services")

// Stats holds the aggregate counters of a binding. Every field is updated
// atomically and may be read while the binding is running.
type Stats struct {
	Lookups        atomic.Int64
	Redirects      atomic.Int64
	MetadataReads  atomic.Int64
	MetadataWrites atomic.Int64
	CopyFailures   atomic.Int64
	Remaps         atomic.Int64
	IOErrors       atomic.Int64
	SpareErrors    atomic.Int64
	DebouncedErrs  atomic.Int64
	SectorsScanned atomic.Int64
	ScanPasses     atomic.Int64
	Repairs        atomic.Int64
	CopiesRepaired atomic.Int64
	RepairFailures atomic.Int64
	Corruptions    atomic.Int64
	SyncFailures   atomic.Int64
	Timeouts       atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats
type StatsSnapshot struct {
	Lookups        int64 `json:"lookups" yaml:"lookups"`
	Redirects      int64 `json:"redirects" yaml:"redirects"`
	MetadataReads  int64 `json:"metadata_reads" yaml:"metadata_reads"`
	MetadataWrites int64 `json:"metadata_writes" yaml:"metadata_writes"`
	CopyFailures   int64 `json:"copy_failures" yaml:"copy_failures"`
	Remaps         int64 `json:"remaps" yaml:"remaps"`
	IOErrors       int64 `json:"io_errors" yaml:"io_errors"`
	SpareErrors    int64 `json:"spare_errors" yaml:"spare_errors"`
	DebouncedErrs  int64 `json:"debounced_errors" yaml:"debounced_errors"`
	SectorsScanned int64 `json:"sectors_scanned" yaml:"sectors_scanned"`
	ScanPasses     int64 `json:"scan_passes" yaml:"scan_passes"`
	Repairs        int64 `json:"repairs" yaml:"repairs"`
	CopiesRepaired int64 `json:"copies_repaired" yaml:"copies_repaired"`
	RepairFailures int64 `json:"repair_failures" yaml:"repair_failures"`
	Corruptions    int64 `json:"corruptions" yaml:"corruptions"`
	SyncFailures   int64 `json:"sync_failures" yaml:"sync_failures"`
	Timeouts       int64 `json:"timeouts" yaml:"timeouts"`
}

// Snapshot copies the current counter values
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Lookups:        s.Lookups.Load(),
		Redirects:      s.Redirects.Load(),
		MetadataReads:  s.MetadataReads.Load(),
		MetadataWrites: s.MetadataWrites.Load(),
		CopyFailures:   s.CopyFailures.Load(),
		Remaps:         s.Remaps.Load(),
		IOErrors:       s.IOErrors.Load(),
		SpareErrors:    s.SpareErrors.Load(),
		DebouncedErrs:  s.DebouncedErrs.Load(),
		SectorsScanned: s.SectorsScanned.Load(),
		ScanPasses:     s.ScanPasses.Load(),
		Repairs:        s.Repairs.Load(),
		CopiesRepaired: s.CopiesRepaired.Load(),
		RepairFailures: s.RepairFailures.Load(),
		Corruptions:    s.Corruptions.Load(),
		SyncFailures:   s.SyncFailures.Load(),
		Timeouts:       s.Timeouts.Load(),
	}
}
