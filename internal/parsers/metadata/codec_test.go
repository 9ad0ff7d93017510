package metadata

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// createTestBlob creates a populated blob with the given capacity and entry count
func createTestBlob(capacity uint32, entries int) *types.MetadataBlob {
	now := uint64(time.Now().UnixNano())
	blob := &types.MetadataBlob{
		Header: types.MetadataHeader{
			Magic:         types.MetadataMagic,
			FormatVersion: types.MetadataFormatVersion,
			Version:       7,
			Sequence:      42,
			CreatedAt:     now - uint64(time.Hour),
			UpdatedAt:     now,
			CopyIndex:     2,
		},
		Primary: types.DeviceFingerprint{
			UUID:        [16]byte{1, 2, 3, 4},
			Path:        "/dev/sdb",
			SizeSectors: 1 << 20,
			SerialHash:  0xABCDEF,
		},
		Spare: types.DeviceFingerprint{
			UUID:        [16]byte{9, 9, 9},
			Path:        "/dev/sdc",
			SizeSectors: 1 << 18,
		},
		Target: types.TargetConfig{
			PrimarySectors: 1 << 20,
			SectorSize:     512,
			RemapCapacity:  capacity,
		},
		SpareArea: types.SpareInfo{
			SpareSectors:    1 << 18,
			DataStart:       types.SpareDataStartSector,
			MetadataSectors: BlobSectors(capacity),
		},
		RemapTable: types.RemapSummary{
			Count:         uint32(entries),
			Capacity:      capacity,
			NextFreeSpare: types.SpareDataStartSector + uint64(entries),
		},
		Health: types.HealthSummary{
			Score:          87,
			ScanCursor:     4096,
			ErrorSectors:   3,
			WarningSectors: 11,
		},
	}
	blob.Versions.PushAncestor(6)
	blob.Versions.RecordConflict(5, types.StrategyHighestSequence)
	for i := 0; i < entries; i++ {
		blob.Entries = append(blob.Entries, types.RemapEntry{
			OriginalSector: uint64(1000 + i),
			SpareSector:    types.SpareDataStartSector + uint64(i),
			CreatedAt:      now,
			AccessCount:    uint32(i),
			ErrorCount:     1,
			Reason:         types.ReasonReadError,
			Flags:          types.RemapFlagActive,
		})
	}
	return blob
}

func TestBlobSize(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint32
	}{
		{"empty table", 0},
		{"default capacity", types.DefaultRemapCapacity},
		{"max capacity", types.MaxRemapCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := BlobSize(tt.capacity)
			assert.Zero(t, size%types.SectorSize, "size must be sector aligned")
			assert.GreaterOrEqual(t, size, uint32(FixedSize)+tt.capacity*types.RemapEntrySize+4)
		})
	}

	// A maximum-capacity blob must fit between two adjacent copies
	gap := (types.MetadataCopyOffsets[1] - types.MetadataCopyOffsets[0]) * uint64(types.SectorSize)
	assert.LessOrEqual(t, uint64(BlobSize(types.MaxRemapCapacity)), gap)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blob := createTestBlob(64, 10)
	blob.Reserved[0] = 0xAA
	blob.Reserved[types.ReservedExpansionSize-1] = 0x55

	data, err := Encode(blob, BlobSize(64))
	require.NoError(t, err)
	assert.Len(t, data, int(BlobSize(64)))

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.True(t, blob.SemanticallyEqual(decoded))
	assert.Equal(t, blob.Header.Checksum, decoded.Header.Checksum)
	assert.Equal(t, blob.Trailer, decoded.Trailer)
	assert.Equal(t, byte(0xAA), decoded.Reserved[0], "reserved bytes must be preserved")
	assert.Equal(t, byte(0x55), decoded.Reserved[types.ReservedExpansionSize-1])
	assert.Equal(t, "/dev/sdb", decoded.Primary.Path)
	assert.Equal(t, uint64(6), decoded.Versions.ParentVersion)
	assert.Equal(t, uint32(1), decoded.Versions.ConflictCount)
}

func TestEncodeRejectsOverCapacity(t *testing.T) {
	blob := createTestBlob(4, 5)
	_, err := Encode(blob, BlobSize(4))
	assert.ErrorIs(t, err, types.ErrCapacityExceeded)
}

func TestEncodeRejectsSmallBuffer(t *testing.T) {
	blob := createTestBlob(1024, 0)
	_, err := Encode(blob, types.SectorSize)
	assert.Error(t, err)
}

func TestDecodeRejectsForeignMagicEvenWhenChecksumConsistent(t *testing.T) {
	blob := createTestBlob(16, 2)
	data, err := Encode(blob, BlobSize(16))
	require.NoError(t, err)

	binary.LittleEndian.PutUint32(data[0:4], 0xDEADBEEF)
	var codec ChecksumCodec
	codec.Seal(data)
	require.NoError(t, codec.Verify(data), "blob must be internally consistent")

	_, err = Decode(data)
	assert.ErrorIs(t, err, types.ErrStructural)
}

func TestDecodeStructuralErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{
			name:   "truncated header",
			mutate: func(b []byte) []byte { return b[:20] },
		},
		{
			name: "future format version",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[4:8], types.MetadataFormatVersion+1)
				return b
			},
		},
		{
			name: "declared size larger than buffer",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[48:52], uint32(len(b))+types.SectorSize)
				return b
			},
		},
		{
			name: "unaligned size",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[48:52], uint32(len(b))-1)
				return b
			},
		},
		{
			name: "entry count beyond buffer",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint32(b[52:56], 1<<20)
				return b
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(createTestBlob(16, 2), BlobSize(16))
			require.NoError(t, err)

			_, err = Decode(tt.mutate(data))
			assert.ErrorIs(t, err, types.ErrStructural)
		})
	}
}

func TestDecodeIntegrityErrors(t *testing.T) {
	t.Run("flipped payload byte", func(t *testing.T) {
		data, err := Encode(createTestBlob(16, 2), BlobSize(16))
		require.NoError(t, err)
		data[FixedSize+3] ^= 0xFF

		_, err = Decode(data)
		assert.ErrorIs(t, err, types.ErrIntegrity)
	})

	t.Run("flipped trailer", func(t *testing.T) {
		data, err := Encode(createTestBlob(16, 2), BlobSize(16))
		require.NoError(t, err)
		data[len(data)-1] ^= 0x01

		_, err = Decode(data)
		assert.ErrorIs(t, err, types.ErrIntegrity)
	})
}

func TestDecodeAcceptsTrailingBytes(t *testing.T) {
	data, err := Encode(createTestBlob(16, 1), BlobSize(16))
	require.NoError(t, err)

	padded := append(data, make([]byte, 4*types.SectorSize)...)
	decoded, err := Decode(padded)
	require.NoError(t, err)
	assert.Len(t, decoded.Entries, 1)
}

func TestPeekSize(t *testing.T) {
	data, err := Encode(createTestBlob(64, 3), BlobSize(64))
	require.NoError(t, err)

	size, err := PeekSize(data[:types.SectorSize])
	require.NoError(t, err)
	assert.Equal(t, BlobSize(64), size)

	_, err = PeekSize(make([]byte, types.SectorSize))
	assert.ErrorIs(t, err, types.ErrStructural, "an unformatted sector has no magic")
	assert.ErrorIs(t, err, types.ErrUnformatted)

	bad := make([]byte, types.SectorSize)
	binary.LittleEndian.PutUint32(bad[0:4], 0xDEADBEEF)
	_, err = PeekSize(bad)
	assert.ErrorIs(t, err, types.ErrStructural)
	assert.NotErrorIs(t, err, types.ErrUnformatted)
}
