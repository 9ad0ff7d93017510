package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; concrete errors wrap one of these.
var (
	// ErrStructural indicates a blob with a bad magic, format version or size.
	// The copy is discarded; it cannot be repaired in place.
	ErrStructural = errors.New("structural metadata error")

	// ErrUnformatted indicates a copy slot that was never written.
	ErrUnformatted = errors.New("metadata copy never written")

	// ErrIntegrity indicates a checksum mismatch. Recoverable through repair
	// when another copy validates.
	ErrIntegrity = errors.New("metadata integrity error")

	// ErrCapacityExceeded indicates the remap table is full.
	ErrCapacityExceeded = errors.New("remap table capacity exceeded")

	// ErrConflict indicates valid copies disagree.
	ErrConflict = errors.New("metadata copies conflict")

	// ErrTimeout indicates a background write exceeded its bound.
	ErrTimeout = errors.New("metadata write timed out")

	// ErrDevice indicates the underlying sector I/O failed.
	ErrDevice = errors.New("device I/O error")

	// ErrNotFound indicates no metadata copy validated.
	ErrNotFound = errors.New("no valid metadata copy found")

	// ErrNotLoaded indicates the initial metadata load has not completed.
	ErrNotLoaded = errors.New("metadata not loaded")

	// ErrAlreadyRemapped indicates the sector already has a remap entry.
	ErrAlreadyRemapped = errors.New("sector already remapped")

	// ErrCancelled indicates the operation observed its cancellation token.
	ErrCancelled = errors.New("operation cancelled")

	// ErrManualResolution indicates a conflict that policy refuses to resolve automatically.
	ErrManualResolution = errors.New("conflict requires manual resolution")

	// ErrIncompatibleFormat indicates a stored format too far from the running one.
	ErrIncompatibleFormat = errors.New("incompatible metadata format")

	// ErrIdentityMismatch indicates a device that is not the one the metadata was written for.
	ErrIdentityMismatch = errors.New("device identity mismatch")
)

// CopyError reports a failure affecting a single physical metadata copy.
type CopyError struct {
	Index  int
	Sector uint64
	Err    error
}

func (e *CopyError) Error() string {
	return fmt.Sprintf("metadata copy %d (sector %d): %v", e.Index, e.Sector, e.Err)
}

func (e *CopyError) Unwrap() error {
	return e.Err
}

// DeviceError reports a failed sector I/O together with the device it hit.
// The role lets callers ignore failures of the spare itself instead of
// remapping onto the device that is failing.
type DeviceError struct {
	Role   DeviceRole
	Sector uint64
	Op     string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s %s failed at sector %d: %v", e.Role, e.Op, e.Sector, e.Err)
}

func (e *DeviceError) Unwrap() []error {
	return []error{ErrDevice, e.Err}
}

// NewDeviceError wraps err as a DeviceError.
func NewDeviceError(role DeviceRole, op string, sector uint64, err error) error {
	return &DeviceError{Role: role, Sector: sector, Op: op, Err: err}
}
