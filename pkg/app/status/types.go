package status

import (
	"time"

	"github.com/deploymenttheory/go-remap/internal/services"
	"github.com/deploymenttheory/go-remap/pkg/app"
)

// Request represents a binding status request
type Request struct {
	Target app.BindingTarget

	// Detail selection
	ShowCopies  bool
	ShowEntries bool
	MaxEntries  int
}

// Response represents the status of a binding
type Response struct {
	Device    services.DeviceStatus `json:"device" yaml:"device"`
	Copies    []CopyInfo            `json:"copies,omitempty" yaml:"copies,omitempty"`
	Entries   []EntryInfo           `json:"entries,omitempty" yaml:"entries,omitempty"`
	Truncated bool                  `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	QueryTime time.Duration         `json:"query_time" yaml:"query_time"`
}

// CopyInfo describes one physical metadata copy
type CopyInfo struct {
	Index    int       `json:"index" yaml:"index"`
	Sector   uint64    `json:"sector" yaml:"sector"`
	Valid    bool      `json:"valid" yaml:"valid"`
	Version  uint64    `json:"version,omitempty" yaml:"version,omitempty"`
	Sequence uint64    `json:"sequence,omitempty" yaml:"sequence,omitempty"`
	Updated  time.Time `json:"updated,omitempty" yaml:"updated,omitempty"`
	Error    string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// EntryInfo describes one relocated sector
type EntryInfo struct {
	Original uint64    `json:"original" yaml:"original"`
	Spare    uint64    `json:"spare" yaml:"spare"`
	Reason   string    `json:"reason" yaml:"reason"`
	Errors   uint16    `json:"errors" yaml:"errors"`
	FromScan bool      `json:"from_scan" yaml:"from_scan"`
	Created  time.Time `json:"created" yaml:"created"`
	Restored bool      `json:"restored" yaml:"restored"`
}

// HealthClass buckets a health score for display
type HealthClass string

const (
	HealthGood     HealthClass = "good"     // >= 80
	HealthFair     HealthClass = "fair"     // >= 50
	HealthPoor     HealthClass = "poor"     // >= 20
	HealthCritical HealthClass = "critical" // < 20
)

// GetHealthClass returns the health class of the device
func (r *Response) GetHealthClass() HealthClass {
	switch score := r.Device.HealthScore; {
	case score >= 80:
		return HealthGood
	case score >= 50:
		return HealthFair
	case score >= 20:
		return HealthPoor
	default:
		return HealthCritical
	}
}

// CapacityUsed returns the percentage of remap entries in use
func (r *Response) CapacityUsed() float64 {
	if r.Device.RemapCapacity == 0 {
		return 0
	}
	return float64(r.Device.RemapCount) * 100 / float64(r.Device.RemapCapacity)
}
