package device

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// identityNamespace scopes device UUIDs derived from path and serial.
var identityNamespace = uuid.MustParse("6f1c2a4e-8d0b-4c57-9a3e-52e1d7b0f9a1")

// HashString returns the 64-bit murmur3 hash used for serials and paths.
func HashString(s string) uint64 {
	return murmur3.Sum64([]byte(s))
}

// NewFingerprint builds the identity of a device. The UUID is derived from
// the serial when one is known and from the path otherwise, so reopening the
// same device yields the same identity.
func NewFingerprint(path string, sizeSectors uint64, serial string) types.DeviceFingerprint {
	key := serial
	if key == "" {
		key = path
	}
	fp := types.DeviceFingerprint{
		UUID:        uuid.NewSHA1(identityNamespace, []byte(key)),
		Path:        path,
		SizeSectors: sizeSectors,
	}
	if len(fp.Path) > types.FingerprintPathSize {
		fp.Path = fp.Path[len(fp.Path)-types.FingerprintPathSize:]
	}
	if serial != "" {
		fp.SerialHash = HashString(serial)
	}
	return fp
}

// NewBindingUUID returns a fresh identifier for a primary/spare pairing.
func NewBindingUUID() [16]byte {
	return uuid.New()
}

// FormatUUID renders a raw 16-byte identifier.
func FormatUUID(id [16]byte) string {
	return uuid.UUID(id).String()
}

// VerifyFingerprint checks that a device still matches the identity recorded
// in metadata. Paths may change between boots; UUID, serial and size may not.
func VerifyFingerprint(recorded, current types.DeviceFingerprint) error {
	if recorded.UUID != current.UUID {
		return fmt.Errorf("device UUID %s does not match recorded %s",
			FormatUUID(current.UUID), FormatUUID(recorded.UUID))
	}
	if recorded.SerialHash != 0 && recorded.SerialHash != current.SerialHash {
		return fmt.Errorf("device serial hash 0x%016X does not match recorded 0x%016X",
			current.SerialHash, recorded.SerialHash)
	}
	if current.SizeSectors < recorded.SizeSectors {
		return fmt.Errorf("device has %d sectors, recorded size was %d",
			current.SizeSectors, recorded.SizeSectors)
	}
	return nil
}
