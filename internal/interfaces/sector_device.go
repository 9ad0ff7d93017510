// File: internal/interfaces/sector_device.go
package interfaces

import (
	"context"
	"io"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// SectorReader provides methods for reading from sector-addressed devices
type SectorReader interface {
	// ReadSectors reads count consecutive sectors starting at sector
	ReadSectors(ctx context.Context, sector uint64, count uint32) ([]byte, error)

	// SectorSize returns the size of a single sector in bytes
	SectorSize() uint32

	// TotalSectors returns the total number of sectors on the device
	TotalSectors() uint64
}

// SectorWriter provides methods for writing to sector-addressed devices
type SectorWriter interface {
	// WriteSectors writes data, which must be a whole number of sectors, starting at sector
	WriteSectors(ctx context.Context, sector uint64, data []byte) error

	// Flush ensures all pending writes are committed to storage
	Flush() error
}

// SectorDevice represents a complete sector device, the raw primitive the
// I/O dispatch shim hands to the remap engine for both the primary volume
// and the spare area
type SectorDevice interface {
	SectorReader
	SectorWriter
	io.Closer
}

// IdentityProvider supplies the fingerprint of a device for audit trails
type IdentityProvider interface {
	// Fingerprint returns the identity of the device
	Fingerprint() types.DeviceFingerprint
}
