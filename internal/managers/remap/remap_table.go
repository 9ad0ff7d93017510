// Package remap holds the in-memory remap table consulted on every I/O.
package remap

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// entry is a RemapEntry whose counters are updated without the table lock
type entry struct {
	original  uint64
	spare     uint64
	createdAt uint64
	reason    types.RemapReason
	flags     uint8
	access    atomic.Uint32
	errors    atomic.Uint32
}

func (e *entry) snapshot() types.RemapEntry {
	errs := e.errors.Load()
	if errs > math.MaxUint16 {
		errs = math.MaxUint16
	}
	return types.RemapEntry{
		OriginalSector: e.original,
		SpareSector:    e.spare,
		CreatedAt:      e.createdAt,
		AccessCount:    e.access.Load(),
		ErrorCount:     uint16(errs),
		Reason:         e.reason,
		Flags:          e.flags,
	}
}

// RemapTable is a fixed-capacity set of sector redirections. Lookups take a
// read lock and never touch disk; a roaring bitmap of remapped sectors keeps
// the common miss path to a single membership test.
type RemapTable struct {
	mu       sync.RWMutex
	entries  []*entry
	index    map[uint64]*entry
	remapped *roaring64.Bitmap
	spares   *roaring64.Bitmap
	capacity uint32

	// Spare sectors are allocated from [spareStart, spareEnd)
	spareStart uint64
	spareEnd   uint64
	nextFree   uint64

	dirty   atomic.Bool
	hookMu  sync.RWMutex
	onDirty func()
	now     func() time.Time
}

// NewRemapTable creates an empty table allocating spare sectors from [spareStart, spareEnd)
func NewRemapTable(capacity uint32, spareStart, spareEnd uint64) *RemapTable {
	return &RemapTable{
		index:      make(map[uint64]*entry),
		remapped:   roaring64.New(),
		spares:     roaring64.New(),
		capacity:   capacity,
		spareStart: spareStart,
		spareEnd:   spareEnd,
		nextFree:   spareStart,
		now:        time.Now,
	}
}

// SetDirtyHook registers fn to be called whenever the table becomes dirty.
// fn must not block.
func (t *RemapTable) SetDirtyHook(fn func()) {
	t.hookMu.Lock()
	defer t.hookMu.Unlock()
	t.onDirty = fn
}

// SetClock overrides the time source used to stamp new entries
func (t *RemapTable) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Lookup returns the spare sector for sector. A hit increments the access counter.
func (t *RemapTable) Lookup(sector uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.remapped.Contains(sector) {
		return 0, false
	}
	e := t.index[sector]
	e.access.Add(1)
	return e.spare, true
}

// IsRemapped reports whether sector has an entry, without touching counters
func (t *RemapTable) IsRemapped(sector uint64) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remapped.Contains(sector)
}

// Insert records a redirection from original to spare
func (t *RemapTable) Insert(original, spare uint64, reason types.RemapReason) error {
	t.mu.Lock()
	err := t.insertLocked(original, spare, reason, flagsFor(reason, false))
	t.mu.Unlock()
	if err == nil {
		t.MarkDirty()
	}
	return err
}

// Remap allocates the next free spare sector for original and records the redirection
func (t *RemapTable) Remap(original uint64, reason types.RemapReason) (uint64, error) {
	return t.remap(original, reason, false)
}

// ScanRemap is Remap for entries created by the health scanner
func (t *RemapTable) ScanRemap(original uint64, reason types.RemapReason) (uint64, error) {
	return t.remap(original, reason, true)
}

func (t *RemapTable) remap(original uint64, reason types.RemapReason, fromScan bool) (uint64, error) {
	t.mu.Lock()
	if e, ok := t.index[original]; ok {
		e.errors.Add(1)
		t.mu.Unlock()
		return e.spare, fmt.Errorf("sector %d: %w", original, types.ErrAlreadyRemapped)
	}
	if uint32(len(t.entries)) >= t.capacity {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: %d of %d entries in use", types.ErrCapacityExceeded, len(t.entries), t.capacity)
	}

	spare := t.nextFree
	for spare < t.spareEnd && t.spares.Contains(spare) {
		spare++
	}
	if spare >= t.spareEnd {
		t.mu.Unlock()
		return 0, fmt.Errorf("%w: spare area exhausted at sector %d", types.ErrCapacityExceeded, spare)
	}

	err := t.insertLocked(original, spare, reason, flagsFor(reason, fromScan))
	t.mu.Unlock()
	if err != nil {
		return 0, err
	}
	t.MarkDirty()
	return spare, nil
}

func flagsFor(reason types.RemapReason, fromScan bool) uint8 {
	flags := types.RemapFlagActive
	if fromScan || reason == types.ReasonPreventive {
		flags |= types.RemapFlagFromScan
	}
	return flags
}

func (t *RemapTable) insertLocked(original, spare uint64, reason types.RemapReason, flags uint8) error {
	if e, ok := t.index[original]; ok {
		e.errors.Add(1)
		return fmt.Errorf("sector %d: %w", original, types.ErrAlreadyRemapped)
	}
	if uint32(len(t.entries)) >= t.capacity {
		return fmt.Errorf("%w: %d of %d entries in use", types.ErrCapacityExceeded, len(t.entries), t.capacity)
	}
	if spare < t.spareStart || spare >= t.spareEnd {
		return fmt.Errorf("spare sector %d outside spare data area [%d,%d)", spare, t.spareStart, t.spareEnd)
	}
	if t.spares.Contains(spare) {
		return fmt.Errorf("spare sector %d already allocated", spare)
	}

	e := &entry{
		original:  original,
		spare:     spare,
		createdAt: uint64(t.now().UnixNano()),
		reason:    reason,
		flags:     flags,
	}
	if reason.ErrorTriggered() {
		e.errors.Store(1)
	}
	t.add(e)
	return nil
}

func (t *RemapTable) add(e *entry) {
	t.entries = append(t.entries, e)
	t.index[e.original] = e
	t.remapped.Add(e.original)
	t.spares.Add(e.spare)
	if e.spare >= t.nextFree {
		t.nextFree = e.spare + 1
	}
}

// RecordError increments the error counter of an existing entry
func (t *RemapTable) RecordError(sector uint64) bool {
	t.mu.RLock()
	e, ok := t.index[sector]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	e.errors.Add(1)
	t.MarkDirty()
	return true
}

// Get returns a copy of the entry for sector
func (t *RemapTable) Get(sector uint64) (types.RemapEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.index[sector]
	if !ok {
		return types.RemapEntry{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns a copy of every entry in insertion order together with
// the next free spare sector
func (t *RemapTable) Snapshot() ([]types.RemapEntry, uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.RemapEntry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.snapshot()
	}
	return out, t.nextFree
}

// Restore replaces the table contents with persisted entries. The table is
// left clean.
func (t *RemapTable) Restore(entries []types.RemapEntry, nextFree uint64) error {
	if uint32(len(entries)) > t.capacity {
		return fmt.Errorf("%w: %d persisted entries, capacity %d", types.ErrCapacityExceeded, len(entries), t.capacity)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = nil
	t.index = make(map[uint64]*entry, len(entries))
	t.remapped = roaring64.New()
	t.spares = roaring64.New()
	t.nextFree = t.spareStart

	for _, re := range entries {
		if _, dup := t.index[re.OriginalSector]; dup {
			return fmt.Errorf("%w: duplicate persisted entry for sector %d", types.ErrIntegrity, re.OriginalSector)
		}
		if t.spares.Contains(re.SpareSector) {
			return fmt.Errorf("%w: spare sector %d assigned twice", types.ErrIntegrity, re.SpareSector)
		}
		e := &entry{
			original:  re.OriginalSector,
			spare:     re.SpareSector,
			createdAt: re.CreatedAt,
			reason:    re.Reason,
			flags:     re.Flags | types.RemapFlagActive | types.RemapFlagRestored,
		}
		e.access.Store(re.AccessCount)
		e.errors.Store(uint32(re.ErrorCount))
		t.add(e)
	}
	if nextFree > t.nextFree {
		t.nextFree = nextFree
	}
	t.dirty.Store(false)
	return nil
}

// Count returns the number of entries
func (t *RemapTable) Count() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint32(len(t.entries))
}

// Capacity returns the maximum number of entries
func (t *RemapTable) Capacity() uint32 {
	return t.capacity
}

// Dirty reports whether the table has changes not yet persisted
func (t *RemapTable) Dirty() bool {
	return t.dirty.Load()
}

// MarkDirty flags the table for persistence and notifies the dirty hook
func (t *RemapTable) MarkDirty() {
	t.dirty.Store(true)
	t.hookMu.RLock()
	hook := t.onDirty
	t.hookMu.RUnlock()
	if hook != nil {
		hook()
	}
}

// RestoreDirty sets the dirty flag again after a failed persist without
// notifying the hook
func (t *RemapTable) RestoreDirty() {
	t.dirty.Store(true)
}

// ClearDirty clears the dirty flag, reporting whether it was set
func (t *RemapTable) ClearDirty() bool {
	return t.dirty.CompareAndSwap(true, false)
}
