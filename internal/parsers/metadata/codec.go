// Package metadata serializes and validates the on-disk metadata blob.
// The layout is an explicit little-endian schema; nothing depends on Go
// memory layout, and reserved bytes round-trip unchanged.
package metadata

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// Section sizes in bytes.
const (
	headerSize        = 56
	versionHeaderSize = 192
	fingerprintSize   = 16 + types.FingerprintPathSize + 8 + 8
	targetSize        = 16
	spareInfoSize     = 24
	reassemblySize    = 40
	remapSummarySize  = 16
	healthSummarySize = 48

	// FixedSize is the encoded size of everything preceding the remap entries.
	FixedSize = headerSize + versionHeaderSize + 2*fingerprintSize + targetSize +
		spareInfoSize + reassemblySize + remapSummarySize + healthSummarySize +
		types.ReservedExpansionSize
)

// BlobSize returns the padded on-disk size of a blob holding capacity entries.
func BlobSize(capacity uint32) uint32 {
	raw := uint32(FixedSize) + capacity*types.RemapEntrySize + trailerSize
	sector := types.SectorSize
	return (raw + sector - 1) / sector * sector
}

// BlobSectors returns the number of sectors occupied by one copy.
func BlobSectors(capacity uint32) uint32 {
	return BlobSize(capacity) / types.SectorSize
}

// Encode serializes blob into a buffer of exactly size bytes and seals its
// checksums. The header size and entry count fields are set from the buffer
// and the entry slice.
func Encode(blob *types.MetadataBlob, size uint32) ([]byte, error) {
	if size%types.SectorSize != 0 {
		return nil, fmt.Errorf("blob size %d is not a multiple of %d", size, types.SectorSize)
	}
	capacity := blob.Target.RemapCapacity
	if uint32(len(blob.Entries)) > capacity {
		return nil, fmt.Errorf("%w: %d entries exceed capacity %d", types.ErrCapacityExceeded, len(blob.Entries), capacity)
	}
	if need := BlobSize(capacity); size < need {
		return nil, fmt.Errorf("blob size %d too small for capacity %d (need %d)", size, capacity, need)
	}

	blob.Header.Size = size
	blob.Header.EntryCount = uint32(len(blob.Entries))

	buf := make([]byte, size)
	w := &writer{buf: buf}

	h := blob.Header
	w.u32(h.Magic)
	w.u32(h.FormatVersion)
	w.u64(h.Version)
	w.u64(h.Sequence)
	w.u64(h.CreatedAt)
	w.u64(h.UpdatedAt)
	w.u32(0) // checksum, sealed below
	w.u32(h.CopyIndex)
	w.u32(h.Size)
	w.u32(h.EntryCount)

	v := blob.Versions
	w.u64(v.ParentVersion)
	for _, ver := range v.Chain {
		w.u64(ver)
	}
	for _, ver := range v.CopyVersions {
		w.u64(ver)
	}
	for _, ts := range v.CopyTimestamps {
		w.u64(ts)
	}
	w.u32(v.ConflictCount)
	for _, ver := range v.ConflictVersions {
		w.u64(ver)
	}
	w.u8(uint8(v.ResolutionStrategy))
	w.skip(3)

	w.fingerprint(blob.Primary)
	w.fingerprint(blob.Spare)

	w.u64(blob.Target.PrimarySectors)
	w.u32(blob.Target.SectorSize)
	w.u32(blob.Target.RemapCapacity)

	w.u64(blob.SpareArea.SpareSectors)
	w.u64(blob.SpareArea.DataStart)
	w.u32(blob.SpareArea.MetadataSectors)
	w.skip(4)

	w.bytes(blob.Reassembly.BindingUUID[:])
	w.u32(blob.Reassembly.Flags)
	w.skip(4)
	w.u64(blob.Reassembly.PrimaryPathHash)
	w.u64(blob.Reassembly.SparePathHash)

	w.u32(blob.RemapTable.Count)
	w.u32(blob.RemapTable.Capacity)
	w.u64(blob.RemapTable.NextFreeSpare)

	hs := blob.Health
	w.u8(hs.Score)
	w.u8(hs.Trend)
	w.skip(6)
	w.u64(hs.ScanCursor)
	w.u64(hs.ScanPasses)
	w.u64(hs.ErrorSectors)
	w.u64(hs.WarningSectors)
	w.u64(hs.LastFullScan)

	w.bytes(blob.Reserved[:])

	for _, e := range blob.Entries {
		w.u64(e.OriginalSector)
		w.u64(e.SpareSector)
		w.u64(e.CreatedAt)
		w.u32(e.AccessCount)
		w.u16(e.ErrorCount)
		w.u8(uint8(e.Reason))
		w.u8(e.Flags)
	}

	var codec ChecksumCodec
	codec.Seal(buf)
	blob.Header.Checksum = binary.LittleEndian.Uint32(buf[checksumOffset:])
	blob.Trailer = binary.LittleEndian.Uint32(buf[size-trailerSize:])

	return buf, nil
}

// Decode parses an encoded blob. Structural problems (magic, format
// version, size bounds) are reported before integrity problems, so a
// checksum-consistent blob with a foreign magic is still rejected as
// structural.
func Decode(data []byte) (*types.MetadataBlob, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", types.ErrStructural, len(data))
	}

	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != types.MetadataMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%08X", types.ErrStructural, magic)
	}

	formatVersion := binary.LittleEndian.Uint32(data[4:8])
	if formatVersion < types.MetadataMinFormatVersion || formatVersion > types.MetadataFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", types.ErrStructural, formatVersion)
	}

	size := binary.LittleEndian.Uint32(data[48:52])
	if size%types.SectorSize != 0 || size < FixedSize+trailerSize || int(size) > len(data) {
		return nil, fmt.Errorf("%w: declared size %d invalid for %d byte buffer", types.ErrStructural, size, len(data))
	}
	data = data[:size]

	entryCount := binary.LittleEndian.Uint32(data[52:56])
	if uint64(FixedSize)+uint64(entryCount)*types.RemapEntrySize+trailerSize > uint64(size) {
		return nil, fmt.Errorf("%w: %d entries do not fit in %d bytes", types.ErrStructural, entryCount, size)
	}

	var codec ChecksumCodec
	if err := codec.Verify(data); err != nil {
		return nil, err
	}

	blob := &types.MetadataBlob{}
	r := &reader{buf: data}

	h := &blob.Header
	h.Magic = r.u32()
	h.FormatVersion = r.u32()
	h.Version = r.u64()
	h.Sequence = r.u64()
	h.CreatedAt = r.u64()
	h.UpdatedAt = r.u64()
	h.Checksum = r.u32()
	h.CopyIndex = r.u32()
	h.Size = r.u32()
	h.EntryCount = r.u32()

	v := &blob.Versions
	v.ParentVersion = r.u64()
	for i := range v.Chain {
		v.Chain[i] = r.u64()
	}
	for i := range v.CopyVersions {
		v.CopyVersions[i] = r.u64()
	}
	for i := range v.CopyTimestamps {
		v.CopyTimestamps[i] = r.u64()
	}
	v.ConflictCount = r.u32()
	for i := range v.ConflictVersions {
		v.ConflictVersions[i] = r.u64()
	}
	v.ResolutionStrategy = types.ResolutionStrategy(r.u8())
	r.skip(3)

	blob.Primary = r.fingerprint()
	blob.Spare = r.fingerprint()

	blob.Target.PrimarySectors = r.u64()
	blob.Target.SectorSize = r.u32()
	blob.Target.RemapCapacity = r.u32()

	blob.SpareArea.SpareSectors = r.u64()
	blob.SpareArea.DataStart = r.u64()
	blob.SpareArea.MetadataSectors = r.u32()
	r.skip(4)

	copy(blob.Reassembly.BindingUUID[:], r.bytes(16))
	blob.Reassembly.Flags = r.u32()
	r.skip(4)
	blob.Reassembly.PrimaryPathHash = r.u64()
	blob.Reassembly.SparePathHash = r.u64()

	blob.RemapTable.Count = r.u32()
	blob.RemapTable.Capacity = r.u32()
	blob.RemapTable.NextFreeSpare = r.u64()

	hs := &blob.Health
	hs.Score = r.u8()
	hs.Trend = r.u8()
	r.skip(6)
	hs.ScanCursor = r.u64()
	hs.ScanPasses = r.u64()
	hs.ErrorSectors = r.u64()
	hs.WarningSectors = r.u64()
	hs.LastFullScan = r.u64()

	copy(blob.Reserved[:], r.bytes(types.ReservedExpansionSize))

	if entryCount > blob.Target.RemapCapacity {
		return nil, fmt.Errorf("%w: entry count %d exceeds capacity %d", types.ErrStructural, entryCount, blob.Target.RemapCapacity)
	}

	blob.Entries = make([]types.RemapEntry, entryCount)
	for i := range blob.Entries {
		e := &blob.Entries[i]
		e.OriginalSector = r.u64()
		e.SpareSector = r.u64()
		e.CreatedAt = r.u64()
		e.AccessCount = r.u32()
		e.ErrorCount = r.u16()
		e.Reason = types.RemapReason(r.u8())
		e.Flags = r.u8()
	}

	blob.Trailer = binary.LittleEndian.Uint32(data[size-trailerSize:])
	return blob, nil
}

// writer appends little-endian fields to a preallocated buffer.
type writer struct {
	buf []byte
	off int
}

func (w *writer) u8(v uint8) {
	w.buf[w.off] = v
	w.off++
}

func (w *writer) u16(v uint16) {
	binary.LittleEndian.PutUint16(w.buf[w.off:], v)
	w.off += 2
}

func (w *writer) u32(v uint32) {
	binary.LittleEndian.PutUint32(w.buf[w.off:], v)
	w.off += 4
}

func (w *writer) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[w.off:], v)
	w.off += 8
}

func (w *writer) bytes(b []byte) {
	w.off += copy(w.buf[w.off:], b)
}

func (w *writer) skip(n int) {
	w.off += n
}

func (w *writer) fingerprint(fp types.DeviceFingerprint) {
	w.bytes(fp.UUID[:])
	path := make([]byte, types.FingerprintPathSize)
	copy(path, fp.Path)
	w.bytes(path)
	w.u64(fp.SizeSectors)
	w.u64(fp.SerialHash)
}

// reader consumes little-endian fields from a buffer whose bounds were
// checked before decoding started.
type reader struct {
	buf []byte
	off int
}

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u32() uint32 {
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *reader) u64() uint64 {
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

func (r *reader) skip(n int) {
	r.off += n
}

func (r *reader) fingerprint() types.DeviceFingerprint {
	var fp types.DeviceFingerprint
	copy(fp.UUID[:], r.bytes(16))
	path := r.bytes(types.FingerprintPathSize)
	end := 0
	for end < len(path) && path[end] != 0 {
		end++
	}
	fp.Path = string(path[:end])
	fp.SizeSectors = r.u64()
	fp.SerialHash = r.u64()
	return fp
}

// PeekSize returns the declared blob size from an encoded header without
// verifying checksums, so a reader knows how many sectors to fetch.
func PeekSize(header []byte) (uint32, error) {
	if len(header) < headerSize {
		return 0, fmt.Errorf("%w: %d bytes is shorter than the header", types.ErrStructural, len(header))
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != types.MetadataMagic {
		if unwritten(header) {
			return 0, fmt.Errorf("%w: %w", types.ErrStructural, types.ErrUnformatted)
		}
		return 0, fmt.Errorf("%w: bad magic 0x%08X", types.ErrStructural, magic)
	}
	size := binary.LittleEndian.Uint32(header[48:52])
	if size%types.SectorSize != 0 || size < FixedSize+trailerSize {
		return 0, fmt.Errorf("%w: declared size %d invalid", types.ErrStructural, size)
	}
	return size, nil
}

func unwritten(sector []byte) bool {
	for _, b := range sector {
		if b != 0 {
			return false
		}
	}
	return true
}
