package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/parsers/metadata"
	"github.com/deploymenttheory/go-remap/internal/types"
)

// MetadataStoreConfig holds configuration for a MetadataStore
type MetadataStoreConfig struct {
	// Offsets are the spare-area sectors of each physical copy.
	Offsets [types.MetadataCopyCount]uint64
	// Capacity determines the size of a freshly written blob.
	Capacity uint32
	// MaxCopyRetries bounds the rewrites of a single copy during repair.
	MaxCopyRetries int
	// BackoffBase is the delay before the first repair retry; it doubles on each retry.
	BackoffBase time.Duration
	// Now overrides the clock used for timestamps and validation.
	Now func() time.Time
}

// DefaultMetadataStoreConfig returns the standard copy layout
func DefaultMetadataStoreConfig(capacity uint32) MetadataStoreConfig {
	return MetadataStoreConfig{
		Offsets:        types.MetadataCopyOffsets,
		Capacity:       capacity,
		MaxCopyRetries: 3,
		BackoffBase:    10 * time.Millisecond,
	}
}

// MetadataStore persists the metadata blob as redundant checksummed copies
// on the spare device. Writes are serialized by a single writer lock; reads
// select the valid copy with the highest sequence number.
type MetadataStore struct {
	device   interfaces.SectorDevice
	resolver *VersionResolver
	config   MetadataStoreConfig
	blobSize uint32
	maxSize  uint32
	stats    *Stats

	writeMu sync.Mutex

	hookMu       sync.RWMutex
	onCorruption func(*types.ReadResult)

	// copyValid is the last observed state of each copy
	copyMu    sync.RWMutex
	copyValid [types.MetadataCopyCount]bool
}

// NewMetadataStore creates a store over the spare device
func NewMetadataStore(device interfaces.SectorDevice, resolver *VersionResolver, config MetadataStoreConfig, stats *Stats) (*MetadataStore, error) {
	if device.SectorSize() != types.SectorSize {
		return nil, fmt.Errorf("spare device sector size %d unsupported", device.SectorSize())
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if stats == nil {
		stats = &Stats{}
	}

	// A copy may not run into the next one
	maxSectors := uint64(0)
	for i := 0; i < types.MetadataCopyCount; i++ {
		end := types.SpareDataStartSector
		if i+1 < types.MetadataCopyCount {
			end = config.Offsets[i+1]
		}
		if end <= config.Offsets[i] {
			return nil, fmt.Errorf("copy offsets must be increasing and below sector %d", types.SpareDataStartSector)
		}
		if gap := end - config.Offsets[i]; maxSectors == 0 || gap < maxSectors {
			maxSectors = gap
		}
	}

	blobSize := metadata.BlobSize(config.Capacity)
	if uint64(blobSize/types.SectorSize) > maxSectors {
		return nil, fmt.Errorf("%w: capacity %d needs %d sectors per copy, only %d available",
			types.ErrCapacityExceeded, config.Capacity, blobSize/types.SectorSize, maxSectors)
	}
	if device.TotalSectors() <= types.SpareDataStartSector {
		return nil, fmt.Errorf("spare device has %d sectors, metadata area needs %d",
			device.TotalSectors(), types.SpareDataStartSector)
	}

	return &MetadataStore{
		device:   device,
		resolver: resolver,
		config:   config,
		blobSize: blobSize,
		maxSize:  uint32(maxSectors) * types.SectorSize,
		stats:    stats,
	}, nil
}

// SetCorruptionHook registers fn to be called when a read finds fewer than
// every copy valid. fn must not block.
func (s *MetadataStore) SetCorruptionHook(fn func(*types.ReadResult)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onCorruption = fn
}

// CopyValidity returns whether each copy was valid when last read or written
func (s *MetadataStore) CopyValidity() [types.MetadataCopyCount]bool {
	s.copyMu.RLock()
	defer s.copyMu.RUnlock()
	return s.copyValid
}

func (s *MetadataStore) setCopyValid(index int, valid bool) {
	s.copyMu.Lock()
	s.copyValid[index] = valid
	s.copyMu.Unlock()
}

// BlobSize returns the on-disk size of a freshly written copy
func (s *MetadataStore) BlobSize() uint32 {
	return s.blobSize
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", types.ErrCancelled, err)
	}
	return nil
}

// Write stamps blob with the next version and sequence and writes it to every
// copy concurrently. A failing copy is reported but does not stop the
// others; an error is returned only when no copy was written. blob is
// updated in place with the header that was persisted.
func (s *MetadataStore) Write(ctx context.Context, blob *types.MetadataBlob) (*types.WriteReport, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	start := s.config.Now()
	now := uint64(start.UnixNano())

	h := &blob.Header
	if h.Version != 0 {
		blob.Versions.PushAncestor(h.Version)
	}
	h.Magic = types.MetadataMagic
	h.FormatVersion = types.MetadataFormatVersion
	h.Version = s.resolver.NextVersion()
	h.Sequence = s.resolver.NextSequence()
	if h.CreatedAt == 0 {
		h.CreatedAt = now
	}
	h.UpdatedAt = now
	blob.RemapTable.Count = uint32(len(blob.Entries))
	blob.RemapTable.Capacity = blob.Target.RemapCapacity
	for i := range blob.Versions.CopyVersions {
		blob.Versions.CopyVersions[i] = h.Version
		blob.Versions.CopyTimestamps[i] = now
	}

	size := metadata.BlobSize(blob.Target.RemapCapacity)
	if size > s.maxSize {
		return nil, fmt.Errorf("%w: blob of %d bytes exceeds copy slot of %d", types.ErrCapacityExceeded, size, s.maxSize)
	}

	buffers := make([][]byte, types.MetadataCopyCount)
	for i := range buffers {
		c := *blob
		c.Header.CopyIndex = uint32(i)
		buf, err := metadata.Encode(&c, size)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata copy %d: %w", i, err)
		}
		buffers[i] = buf
		if i == 0 {
			blob.Header.Size = c.Header.Size
			blob.Header.EntryCount = c.Header.EntryCount
			blob.Header.Checksum = c.Header.Checksum
			blob.Header.CopyIndex = 0
			blob.Trailer = c.Trailer
		}
	}

	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	errs := s.writeCopies(ctx, buffers)
	report := &types.WriteReport{
		Version:  h.Version,
		Sequence: h.Sequence,
	}
	for i, err := range errs {
		s.setCopyValid(i, err == nil)
		if err == nil {
			report.Written = append(report.Written, i)
			continue
		}
		s.stats.CopyFailures.Add(1)
		log.Warningf("metadata copy %d (sector %d) write failed: %v", i, s.config.Offsets[i], err)
		report.Failed = append(report.Failed, &types.CopyError{Index: i, Sector: s.config.Offsets[i], Err: err})
	}
	report.Duration = s.config.Now().Sub(start)

	if len(report.Written) == 0 {
		return report, fmt.Errorf("%w: all %d metadata copies failed: %w",
			types.ErrDevice, types.MetadataCopyCount, report.Failed[0])
	}
	if err := s.device.Flush(); err != nil {
		log.Warningf("flush after metadata write failed: %v", err)
	}
	s.stats.MetadataWrites.Add(1)
	log.Debugf("wrote metadata version %d sequence %d to %d/%d copies",
		h.Version, h.Sequence, len(report.Written), types.MetadataCopyCount)
	return report, nil
}

func (s *MetadataStore) writeCopies(ctx context.Context, buffers [][]byte) []error {
	errs := make([]error, len(buffers))
	var g errgroup.Group
	for i, buf := range buffers {
		if buf == nil {
			continue
		}
		i, buf := i, buf
		g.Go(func() error {
			errs[i] = s.device.WriteSectors(ctx, s.config.Offsets[i], buf)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Read reads every copy and returns the valid copy with the highest sequence
// number. When no copy validates the error wraps ErrNotFound. A result with
// fewer than every copy valid, or with stale copies, has RepairNeeded set and
// fires the corruption hook.
func (s *MetadataStore) Read(ctx context.Context) (*types.ReadResult, error) {
	result, err := s.read(ctx)
	if err != nil {
		return result, err
	}
	if result.RepairNeeded {
		s.stats.Corruptions.Add(1)
		s.hookMu.RLock()
		hook := s.onCorruption
		s.hookMu.RUnlock()
		if hook != nil {
			hook(result)
		}
	}
	return result, nil
}

// Inspect returns the per-copy report without triggering repair
func (s *MetadataStore) Inspect(ctx context.Context) ([]types.CopyCandidate, error) {
	result, err := s.read(ctx)
	if result == nil {
		return nil, err
	}
	if errors.Is(err, types.ErrNotFound) {
		err = nil
	}
	return result.Candidates, err
}

func (s *MetadataStore) read(ctx context.Context) (*types.ReadResult, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}

	candidates := make([]types.CopyCandidate, types.MetadataCopyCount)
	var g errgroup.Group
	for i := range candidates {
		i := i
		g.Go(func() error {
			candidates[i] = s.readCopy(ctx, i)
			return nil
		})
	}
	_ = g.Wait()
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.stats.MetadataReads.Add(1)

	result := &types.ReadResult{BestIndex: -1, Candidates: candidates}
	for i := range candidates {
		c := &candidates[i]
		s.setCopyValid(c.Index, c.IsValid)
		if !c.IsValid {
			continue
		}
		result.ValidCopies++
		if result.Best == nil || c.Sequence > result.Best.Header.Sequence {
			result.Best = c.Blob
			result.BestIndex = c.Index
		}
	}

	if result.Best == nil {
		result.RepairNeeded = true
		return result, fmt.Errorf("%w: 0 of %d copies valid", types.ErrNotFound, types.MetadataCopyCount)
	}

	s.resolver.Observe(result.Best.Header)
	result.Conflicts = s.resolver.DetectConflicts(candidates)

	for _, c := range candidates {
		if !c.IsValid || c.Sequence != result.Best.Header.Sequence {
			result.RepairNeeded = true
			break
		}
	}
	if result.RepairNeeded {
		log.Warningf("metadata: %d/%d copies valid, best is copy %d at sequence %d",
			result.ValidCopies, types.MetadataCopyCount, result.BestIndex, result.Best.Header.Sequence)
	}
	return result, nil
}

func (s *MetadataStore) readCopy(ctx context.Context, index int) types.CopyCandidate {
	sector := s.config.Offsets[index]
	candidate := types.CopyCandidate{Index: index, Sector: sector}
	fail := func(err error) types.CopyCandidate {
		candidate.Err = err
		candidate.ErrorMsg = err.Error()
		return candidate
	}

	head, err := s.device.ReadSectors(ctx, sector, 1)
	if err != nil {
		return fail(types.NewDeviceError(types.RoleSpare, "read", sector, err))
	}
	size, err := metadata.PeekSize(head)
	if err != nil {
		return fail(err)
	}
	if size > s.maxSize {
		return fail(fmt.Errorf("%w: declared size %d exceeds copy slot of %d", types.ErrStructural, size, s.maxSize))
	}

	data := head
	if size > types.SectorSize {
		data, err = s.device.ReadSectors(ctx, sector, size/types.SectorSize)
		if err != nil {
			return fail(types.NewDeviceError(types.RoleSpare, "read", sector, err))
		}
	}

	blob, err := metadata.DecodeAndValidate(data, s.config.Now())
	if err != nil {
		return fail(err)
	}
	if blob.Header.CopyIndex != uint32(index) {
		return fail(fmt.Errorf("%w: copy slot %d holds copy index %d", types.ErrStructural, index, blob.Header.CopyIndex))
	}

	candidate.Blob = blob
	candidate.Sequence = blob.Header.Sequence
	candidate.IsValid = true
	return candidate
}

// Repair rewrites every copy that is invalid or whose sequence differs from
// the best copy. Rewritten copies keep the best copy's version and sequence;
// only the copy index and checksums differ. Copies already matching the best
// copy are not touched.
func (s *MetadataStore) Repair(ctx context.Context) (*types.RepairReport, error) {
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := s.config.Now()
	result, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	best := result.Best
	report := &types.RepairReport{SourceIndex: result.BestIndex, Sequence: best.Header.Sequence}

	for _, c := range result.Candidates {
		if c.IsValid && c.Sequence == best.Header.Sequence {
			continue
		}
		if err := cancelled(ctx); err != nil {
			return report, err
		}

		replica := *best
		replica.Header.CopyIndex = uint32(c.Index)
		buf, err := metadata.Encode(&replica, best.Header.Size)
		if err != nil {
			return report, fmt.Errorf("failed to encode repair copy %d: %w", c.Index, err)
		}

		attempts, err := s.writeWithRetry(ctx, c.Index, buf)
		report.Attempts += attempts
		if err != nil {
			log.Errorf("repair of metadata copy %d failed after %d attempts: %v", c.Index, attempts, err)
			report.Failed = append(report.Failed, &types.CopyError{Index: c.Index, Sector: c.Sector, Err: err})
			continue
		}
		log.Noticef("repaired metadata copy %d from copy %d (sequence %d)", c.Index, result.BestIndex, best.Header.Sequence)
		report.Repaired = append(report.Repaired, c.Index)
		s.setCopyValid(c.Index, true)
	}

	if len(report.Repaired) > 0 {
		if err := s.device.Flush(); err != nil {
			log.Warningf("flush after repair failed: %v", err)
		}
	}
	s.stats.CopiesRepaired.Add(int64(len(report.Repaired)))
	report.Duration = s.config.Now().Sub(start)

	if len(report.Failed) > 0 {
		return report, fmt.Errorf("%d metadata copies could not be repaired: %w", len(report.Failed), report.Failed[0])
	}
	return report, nil
}

func (s *MetadataStore) writeWithRetry(ctx context.Context, index int, buf []byte) (int, error) {
	sector := s.config.Offsets[index]
	delay := s.config.BackoffBase
	attempts := 0
	for {
		attempts++
		err := s.device.WriteSectors(ctx, sector, buf)
		if err == nil {
			return attempts, nil
		}
		if attempts > s.config.MaxCopyRetries {
			return attempts, types.NewDeviceError(types.RoleSpare, "write", sector, err)
		}
		log.Debugf("metadata copy %d write attempt %d failed, retrying in %v: %v", index, attempts, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return attempts, fmt.Errorf("%w: %w", types.ErrCancelled, ctx.Err())
		}
		delay *= 2
	}
}

// ResolveConflicts resolves the conflicts involving the best copy with
// strategy and persists the winner as a new version. Every other version in
// those conflicts is recorded as a loser. Conflicts among stale copies only
// are left to repair, which rewrites them from the best copy. It returns nil
// when the best copy conflicts with nothing.
func (s *MetadataStore) ResolveConflicts(ctx context.Context, strategy types.ResolutionStrategy) (*types.WriteReport, error) {
	result, err := s.read(ctx)
	if err != nil {
		return nil, err
	}

	var involved []types.Conflict
	for _, c := range result.Conflicts {
		if c.CopyA == result.BestIndex || c.CopyB == result.BestIndex {
			involved = append(involved, c)
		}
	}
	if len(involved) == 0 {
		return nil, nil
	}

	conflict := involved[0]
	winner, err := s.resolver.Resolve(conflict, result.Candidates, strategy)
	if err != nil {
		return nil, err
	}

	recorded := map[uint64]bool{
		winner.Header.Version: true,
		conflict.VersionA:     true,
		conflict.VersionB:     true,
	}
	var losers []uint64
	for _, c := range involved[1:] {
		for _, v := range []uint64{c.VersionA, c.VersionB} {
			if !recorded[v] {
				recorded[v] = true
				losers = append(losers, v)
			}
		}
	}
	// Oldest first so the newest loser ends up at the front of the history
	slices.Sort(losers)
	for _, v := range losers {
		winner.Versions.RecordConflict(v, winner.Versions.ResolutionStrategy)
	}

	log.Noticef("resolved %d conflicts with copy %d (most severe %s between copies %d and %d, severity %s) using %s",
		len(involved), result.BestIndex, conflict.Kind, conflict.CopyA, conflict.CopyB, conflict.Severity, winner.Versions.ResolutionStrategy)
	return s.Write(ctx, winner)
}
