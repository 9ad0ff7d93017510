package metadata

import (
	"fmt"
	"time"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// Validate performs the logical checks that follow a successful Decode:
// timestamp sanity and agreement between the summary sections and the
// entry list.
func Validate(blob *types.MetadataBlob, now time.Time) error {
	limit := uint64(now.Add(types.MaxTimestampSkew).UnixNano())

	if blob.Header.UpdatedAt > limit {
		return fmt.Errorf("%w: update timestamp %s is beyond allowed skew",
			types.ErrIntegrity, blob.Header.Updated().Format(time.RFC3339))
	}
	if blob.Header.CreatedAt > limit {
		return fmt.Errorf("%w: creation timestamp %s is beyond allowed skew",
			types.ErrIntegrity, blob.Header.Created().Format(time.RFC3339))
	}
	if blob.Header.CreatedAt > blob.Header.UpdatedAt {
		return fmt.Errorf("%w: created after last update", types.ErrIntegrity)
	}
	if blob.Header.CopyIndex >= types.MetadataCopyCount {
		return fmt.Errorf("%w: copy index %d out of range", types.ErrStructural, blob.Header.CopyIndex)
	}
	if blob.RemapTable.Count != uint32(len(blob.Entries)) {
		return fmt.Errorf("%w: summary count %d disagrees with %d entries",
			types.ErrIntegrity, blob.RemapTable.Count, len(blob.Entries))
	}
	if blob.RemapTable.Capacity != blob.Target.RemapCapacity {
		return fmt.Errorf("%w: summary capacity %d disagrees with target capacity %d",
			types.ErrIntegrity, blob.RemapTable.Capacity, blob.Target.RemapCapacity)
	}
	if blob.Health.Score > 100 {
		return fmt.Errorf("%w: health score %d out of range", types.ErrIntegrity, blob.Health.Score)
	}
	return nil
}

// DecodeAndValidate decodes data and runs Validate on the result.
func DecodeAndValidate(data []byte, now time.Time) (*types.MetadataBlob, error) {
	blob, err := Decode(data)
	if err != nil {
		return nil, err
	}
	if err := Validate(blob, now); err != nil {
		return nil, err
	}
	return blob, nil
}
