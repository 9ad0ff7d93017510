package metadata

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-remap/internal/types"
)

func TestChecksumCodec(t *testing.T) {
	var codec ChecksumCodec

	data, err := Encode(createTestBlob(8, 1), BlobSize(8))
	require.NoError(t, err)
	require.NoError(t, codec.Verify(data))

	// Checksum ignores its own field and the trailer
	before := codec.Checksum(data)
	data[checksumOffset] ^= 0xFF
	data[len(data)-1] ^= 0xFF
	assert.Equal(t, before, codec.Checksum(data))
	assert.ErrorIs(t, codec.Verify(data), types.ErrIntegrity)

	codec.Seal(data)
	assert.NoError(t, codec.Verify(data))
}

func TestValidate(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		mutate  func(*types.MetadataBlob)
		wantErr error
	}{
		{
			name:   "valid blob",
			mutate: func(*types.MetadataBlob) {},
		},
		{
			name: "update timestamp within skew",
			mutate: func(b *types.MetadataBlob) {
				b.Header.UpdatedAt = uint64(now.Add(23 * time.Hour).UnixNano())
			},
		},
		{
			name: "update timestamp beyond skew",
			mutate: func(b *types.MetadataBlob) {
				b.Header.UpdatedAt = uint64(now.Add(25 * time.Hour).UnixNano())
			},
			wantErr: types.ErrIntegrity,
		},
		{
			name: "created after updated",
			mutate: func(b *types.MetadataBlob) {
				b.Header.CreatedAt = b.Header.UpdatedAt + 1
			},
			wantErr: types.ErrIntegrity,
		},
		{
			name: "summary count mismatch",
			mutate: func(b *types.MetadataBlob) {
				b.RemapTable.Count++
			},
			wantErr: types.ErrIntegrity,
		},
		{
			name: "copy index out of range",
			mutate: func(b *types.MetadataBlob) {
				b.Header.CopyIndex = types.MetadataCopyCount
			},
			wantErr: types.ErrStructural,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := createTestBlob(8, 2)
			tt.mutate(blob)
			err := Validate(blob, now)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestDecodeAndValidate(t *testing.T) {
	blob := createTestBlob(8, 2)
	blob.Header.UpdatedAt = uint64(time.Now().Add(48 * time.Hour).UnixNano())
	data, err := Encode(blob, BlobSize(8))
	require.NoError(t, err)

	_, err = Decode(data)
	require.NoError(t, err, "checksums are consistent")

	_, err = DecodeAndValidate(data, time.Now())
	assert.ErrorIs(t, err, types.ErrIntegrity)
}
