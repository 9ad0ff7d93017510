package maintenance

import (
	"time"

	"github.com/deploymenttheory/go-remap/pkg/app"
)

// Operation names a maintenance action
type Operation string

const (
	OpFormat Operation = "format"
	OpScrub  Operation = "scrub"
	OpScan   Operation = "scan"
	OpRemap  Operation = "remap"
)

// Request represents a maintenance request on one binding
type Request struct {
	Operation Operation
	Target    app.BindingTarget

	// Force overwrites valid metadata when formatting
	Force bool
	// Sectors lists the primary sectors to relocate
	Sectors []uint64
}

// Response represents the outcome of a maintenance operation
type Response struct {
	Operation   Operation     `json:"operation" yaml:"operation"`
	Device      string        `json:"device" yaml:"device"`
	BindingUUID string        `json:"binding_uuid,omitempty" yaml:"binding_uuid,omitempty"`
	Version     uint64        `json:"version" yaml:"version"`
	Sequence    uint64        `json:"sequence" yaml:"sequence"`
	Written     []int         `json:"written,omitempty" yaml:"written,omitempty"`
	Failed      []CopyFailure `json:"failed,omitempty" yaml:"failed,omitempty"`
	Invalid     []int         `json:"invalid_before,omitempty" yaml:"invalid_before,omitempty"`
	Repaired    []int         `json:"repaired,omitempty" yaml:"repaired,omitempty"`
	ValidCopies int           `json:"valid_copies" yaml:"valid_copies"`
	Scan        *ScanResult   `json:"scan,omitempty" yaml:"scan,omitempty"`
	Remapped    []RemapResult `json:"remapped,omitempty" yaml:"remapped,omitempty"`
	Elapsed     time.Duration `json:"elapsed" yaml:"elapsed"`
}

// CopyFailure describes a metadata copy that could not be written
type CopyFailure struct {
	Index  int    `json:"index" yaml:"index"`
	Sector uint64 `json:"sector" yaml:"sector"`
	Error  string `json:"error" yaml:"error"`
}

// ScanResult summarizes a foreground health scan
type ScanResult struct {
	Score          int    `json:"score" yaml:"score"`
	Trend          string `json:"trend" yaml:"trend"`
	SectorsScanned int64  `json:"sectors_scanned" yaml:"sectors_scanned"`
	NewRemaps      uint32 `json:"new_remaps" yaml:"new_remaps"`
	NextInterval   string `json:"next_interval" yaml:"next_interval"`
}

// RemapResult is the outcome of relocating one sector
type RemapResult struct {
	Sector uint64 `json:"sector" yaml:"sector"`
	Spare  uint64 `json:"spare,omitempty" yaml:"spare,omitempty"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Succeeded reports whether every copy write and sector relocation succeeded
func (r *Response) Succeeded() bool {
	if len(r.Failed) > 0 {
		return false
	}
	for _, rr := range r.Remapped {
		if rr.Error != "" {
			return false
		}
	}
	return true
}
