package metadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/deploymenttheory/go-remap/internal/types"
)

const (
	checksumOffset = 40
	checksumSize   = 4
	trailerSize    = 4
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)
	zeroWord   = make([]byte, 4)
)

// ChecksumCodec computes and verifies the integrity checksums of an encoded blob.
// It holds no state and is safe for concurrent use.
type ChecksumCodec struct{}

// Checksum computes the CRC-32 over the blob with the header checksum field
// and the trailer treated as zero.
func (ChecksumCodec) Checksum(blob []byte) uint32 {
	size := len(blob)
	sum := crc32.Update(0, crc32.IEEETable, blob[:checksumOffset])
	sum = crc32.Update(sum, crc32.IEEETable, zeroWord[:checksumSize])
	sum = crc32.Update(sum, crc32.IEEETable, blob[checksumOffset+checksumSize:size-trailerSize])
	return crc32.Update(sum, crc32.IEEETable, zeroWord[:trailerSize])
}

// Trailer computes the CRC-32C over every byte preceding the trailer.
func (ChecksumCodec) Trailer(blob []byte) uint32 {
	return crc32.Checksum(blob[:len(blob)-trailerSize], castagnoli)
}

// Seal stores both checksums into blob.
func (c ChecksumCodec) Seal(blob []byte) {
	binary.LittleEndian.PutUint32(blob[checksumOffset:], c.Checksum(blob))
	binary.LittleEndian.PutUint32(blob[len(blob)-trailerSize:], c.Trailer(blob))
}

// Verify recomputes both checksums and compares them with the stored values.
func (c ChecksumCodec) Verify(blob []byte) error {
	if len(blob) < headerSize+trailerSize {
		return fmt.Errorf("%w: blob of %d bytes too small to checksum", types.ErrStructural, len(blob))
	}

	stored := binary.LittleEndian.Uint32(blob[checksumOffset:])
	if calculated := c.Checksum(blob); calculated != stored {
		return fmt.Errorf("%w: header checksum 0x%08X, calculated 0x%08X", types.ErrIntegrity, stored, calculated)
	}

	storedTrailer := binary.LittleEndian.Uint32(blob[len(blob)-trailerSize:])
	if calculated := c.Trailer(blob); calculated != storedTrailer {
		return fmt.Errorf("%w: trailer checksum 0x%08X, calculated 0x%08X", types.ErrIntegrity, storedTrailer, calculated)
	}
	return nil
}
