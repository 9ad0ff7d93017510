package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/deploymenttheory/go-remap/internal/config"
	"github.com/deploymenttheory/go-remap/internal/device"
	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/managers/remap"
	"github.com/deploymenttheory/go-remap/internal/types"
	"github.com/deploymenttheory/go-remap/internal/workers"
)

// I/O operations reported to ReportIOError
const (
	OpRead  = "read"
	OpWrite = "write"
)

// DeviceState is the lifecycle state of a RemapDevice
type DeviceState int32

const (
	StateUnloaded DeviceState = iota
	StateLoading
	StateLoaded
	// StateLoadedEmpty is a binding formatted on this start with no prior metadata.
	StateLoadedEmpty
	StateDegraded
	StateFailed
	StateStopped
)

// String returns the string representation of DeviceState.
func (s DeviceState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateLoadedEmpty:
		return "loaded-empty"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// debounceEntry is the cached outcome of an I/O error report
type debounceEntry struct {
	at    time.Time
	spare uint64
	err   error
}

// ioRun is a contiguous range of sectors served by one device
type ioRun struct {
	origin  uint64
	target  uint64
	count   uint64
	onSpare bool
}

// RemapDevice binds a primary device to a spare device. It owns the metadata
// store, remap table, health scanner and repair scheduler of the binding and
// the worker pool their background work runs on.
//
// Initialization is two-phase: NewRemapDevice only wires components, Start
// submits the metadata load and WaitReady blocks until it completes. I/O
// issued before the load completes passes through to the primary.
type RemapDevice struct {
	id        string
	primary   interfaces.SectorDevice
	spare     interfaces.SectorDevice
	primaryID types.DeviceFingerprint
	spareID   types.DeviceFingerprint
	config    *config.Config
	strategy  types.ResolutionStrategy
	stats     *Stats
	now       func() time.Time

	resolver  *VersionResolver
	store     *MetadataStore
	pool      *workers.Pool
	scheduler *RepairScheduler
	debounce  *lru.Cache

	state   atomic.Int32
	active  atomic.Bool
	table   atomic.Pointer[remap.RemapTable]
	scanner atomic.Pointer[HealthScanner]

	// blobMu guards the last persisted blob
	blobMu   sync.Mutex
	blob     *types.MetadataBlob
	lastSync time.Time

	// mu guards the error fields
	mu          sync.RWMutex
	loadErr     error
	degradedErr error

	ctx       context.Context
	cancel    context.CancelFunc
	detach    func() bool
	ready     chan struct{}
	readyOnce sync.Once
	startOnce sync.Once
	stopOnce  sync.Once
	syncCh    chan struct{}
}

// NewRemapDevice wires the components of a binding without touching either device
func NewRemapDevice(id string, primary, spare interfaces.SectorDevice, cfg *config.Config) (*RemapDevice, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if primary.SectorSize() != types.SectorSize {
		return nil, fmt.Errorf("primary device sector size %d unsupported", primary.SectorSize())
	}
	strategy, err := config.ParseStrategy(cfg.Metadata.ConflictStrategy)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	resolver := NewVersionResolver()
	store, err := NewMetadataStore(spare, resolver, MetadataStoreConfig{
		Offsets:        cfg.CopyOffsets(),
		Capacity:       cfg.Metadata.RemapCapacity,
		MaxCopyRetries: cfg.Repair.MaxCopyRetries,
		BackoffBase:    cfg.Repair.BackoffBase,
	}, stats)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata store: %w", err)
	}

	cacheSize := cfg.Debounce.CacheSize
	if cacheSize < 1 {
		cacheSize = 1
	}
	debounce, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create debounce cache: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &RemapDevice{
		id:        id,
		primary:   primary,
		spare:     spare,
		primaryID: identityOf(primary, id+"/primary"),
		spareID:   identityOf(spare, id+"/spare"),
		config:    cfg,
		strategy:  strategy,
		stats:     stats,
		now:       time.Now,
		resolver:  resolver,
		store:     store,
		pool:      workers.New(ctx, cfg.Workers.PoolSize),
		debounce:  debounce,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		syncCh:    make(chan struct{}, 1),
	}
	d.scheduler = NewRepairScheduler(store, d.pool, RepairSchedulerConfig{
		ScrubInterval: cfg.Repair.ScrubInterval,
		MaxRetries:    cfg.Repair.MaxRetries,
		RetryDelay:    cfg.Repair.BackoffBase,
	}, stats)
	d.scheduler.SetDegradedHook(func(err error) {
		d.degrade(fmt.Errorf("metadata repair: %w", err))
	})
	store.SetCorruptionHook(func(*types.ReadResult) {
		d.scheduler.Schedule()
	})
	d.state.Store(int32(StateUnloaded))
	return d, nil
}

func identityOf(dev interfaces.SectorDevice, fallback string) types.DeviceFingerprint {
	if p, ok := dev.(interfaces.IdentityProvider); ok {
		return p.Fingerprint()
	}
	return device.NewFingerprint(fallback, dev.TotalSectors(), "")
}

// ID returns the identifier the device was created with
func (d *RemapDevice) ID() string {
	return d.id
}

// State returns the current lifecycle state
func (d *RemapDevice) State() DeviceState {
	return DeviceState(d.state.Load())
}

// Stats returns the live counters of the binding
func (d *RemapDevice) Stats() *Stats {
	return d.stats
}

// Store returns the metadata store
func (d *RemapDevice) Store() *MetadataStore {
	return d.store
}

// Scheduler returns the repair scheduler
func (d *RemapDevice) Scheduler() *RepairScheduler {
	return d.scheduler
}

// Table returns the remap table, or nil before the metadata is loaded
func (d *RemapDevice) Table() *remap.RemapTable {
	return d.table.Load()
}

// Scanner returns the health scanner, or nil before the metadata is loaded
func (d *RemapDevice) Scanner() *HealthScanner {
	return d.scanner.Load()
}

// Start submits the initial metadata load. Cancelling ctx tears the device
// down as if Stop had been called, without waiting for the pool to drain.
func (d *RemapDevice) Start(ctx context.Context) error {
	first := false
	d.startOnce.Do(func() { first = true })
	if !first {
		return fmt.Errorf("device %s already started", d.id)
	}
	if err := cancelled(ctx); err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		return fmt.Errorf("%w: device %s stopped", types.ErrCancelled, d.id)
	}

	d.detach = context.AfterFunc(ctx, d.cancel)
	d.active.Store(true)
	d.state.CompareAndSwap(int32(StateUnloaded), int32(StateLoading))
	log.Infof("device %s: loading metadata from spare", d.id)
	if err := d.pool.Submit("metadata-load", d.load); err != nil {
		d.active.Store(false)
		return fmt.Errorf("failed to submit metadata load: %w", err)
	}
	return nil
}

// WaitReady blocks until the initial load finishes and returns its error
func (d *RemapDevice) WaitReady(ctx context.Context) error {
	select {
	case <-d.ready:
		d.mu.RLock()
		defer d.mu.RUnlock()
		return d.loadErr
	case <-d.ctx.Done():
		return fmt.Errorf("%w: device %s stopped", types.ErrCancelled, d.id)
	case <-ctx.Done():
		return cancelled(ctx)
	}
}

func (d *RemapDevice) markReady(err error) {
	d.readyOnce.Do(func() {
		d.mu.Lock()
		d.loadErr = err
		d.mu.Unlock()
		close(d.ready)
	})
}

func (d *RemapDevice) load(ctx context.Context) error {
	empty, err := d.loadMetadata(ctx)
	if err != nil {
		if ctx.Err() != nil {
			err = cancelled(ctx)
		} else {
			d.state.CompareAndSwap(int32(StateLoading), int32(StateFailed))
			log.Errorf("device %s: metadata load failed: %v", d.id, err)
		}
		d.markReady(err)
		return nil
	}

	next := StateLoaded
	if empty {
		next = StateLoadedEmpty
	}
	d.state.CompareAndSwap(int32(StateLoading), int32(next))
	table := d.table.Load()
	log.Noticef("device %s: %s with %d/%d remap entries", d.id, d.State(), table.Count(), table.Capacity())
	d.markReady(nil)
	d.startBackground()
	return nil
}

// loadMetadata restores the binding from the spare device, formatting it
// when no copy has ever been written. It reports whether it formatted.
func (d *RemapDevice) loadMetadata(ctx context.Context) (bool, error) {
	result, err := d.store.Read(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) && blank(result) {
			log.Noticef("device %s: spare holds no metadata, formatting", d.id)
			return true, d.format(ctx)
		}
		return false, err
	}

	if len(result.Conflicts) > 0 {
		if err := d.resolveConflicts(ctx); err != nil {
			return false, err
		}
		if result, err = d.store.Read(ctx); err != nil {
			return false, err
		}
	}

	best := result.Best
	if score := CheckCompatibility(best.Header.FormatVersion, types.MetadataFormatVersion); RequiresMigrationPlan(best.Header.FormatVersion, types.MetadataFormatVersion) {
		return false, fmt.Errorf("%w: stored format %d, running %d (compatibility %d)",
			types.ErrIncompatibleFormat, best.Header.FormatVersion, types.MetadataFormatVersion, score)
	}
	if err := device.VerifyFingerprint(best.Primary, d.primaryID); err != nil {
		return false, fmt.Errorf("%w: primary: %w", types.ErrIdentityMismatch, err)
	}
	if err := device.VerifyFingerprint(best.Spare, d.spareID); err != nil {
		return false, fmt.Errorf("%w: spare: %w", types.ErrIdentityMismatch, err)
	}

	table := remap.NewRemapTable(best.Target.RemapCapacity, types.SpareDataStartSector, d.spare.TotalSectors())
	if err := table.Restore(best.Entries, best.RemapTable.NextFreeSpare); err != nil {
		return false, fmt.Errorf("failed to restore remap table: %w", err)
	}
	scanner := d.newScanner(table)
	scanner.Restore(best.Health)
	d.install(best.Clone(), table, scanner)
	return false, nil
}

// blank reports whether no copy slot was ever written
func blank(result *types.ReadResult) bool {
	if result == nil || len(result.Candidates) == 0 {
		return false
	}
	for _, c := range result.Candidates {
		if !errors.Is(c.Err, types.ErrUnformatted) {
			return false
		}
	}
	return true
}

func (d *RemapDevice) resolveConflicts(ctx context.Context) error {
	report, err := d.store.ResolveConflicts(ctx, d.strategy)
	if errors.Is(err, types.ErrManualResolution) {
		// Serve from the highest sequence until an operator resolves it
		d.degrade(err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve metadata conflict: %w", err)
	}
	if report != nil && !report.Complete() {
		d.scheduler.Schedule()
	}
	return nil
}

func (d *RemapDevice) format(ctx context.Context) error {
	blob := NewMetadataBlob(FormatParams{
		Primary:        d.primaryID,
		Spare:          d.spareID,
		PrimarySectors: d.primary.TotalSectors(),
		SpareSectors:   d.spare.TotalSectors(),
		Capacity:       d.config.Metadata.RemapCapacity,
	})
	report, err := d.store.Write(ctx, blob)
	if err != nil {
		return fmt.Errorf("failed to write initial metadata: %w", err)
	}
	if !report.Complete() {
		d.scheduler.Schedule()
	}
	table := remap.NewRemapTable(blob.Target.RemapCapacity, types.SpareDataStartSector, d.spare.TotalSectors())
	d.install(blob.Clone(), table, d.newScanner(table))
	return nil
}

func (d *RemapDevice) install(blob *types.MetadataBlob, table *remap.RemapTable, scanner *HealthScanner) {
	d.blobMu.Lock()
	d.blob = blob
	d.lastSync = d.now()
	d.blobMu.Unlock()
	table.SetDirtyHook(d.requestSync)
	d.scanner.Store(scanner)
	d.table.Store(table)
}

func (d *RemapDevice) newScanner(table *remap.RemapTable) *HealthScanner {
	sc := d.config.Scanner
	seed := sc.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewHealthScanner(d.primary, table, HealthScannerConfig{
		BaseInterval:   sc.BaseInterval,
		ChunkSectors:   sc.ChunkSectors,
		Stride:         sc.Stride,
		YieldEvery:     sc.YieldEvery,
		YieldDuration:  sc.YieldDuration,
		PreventiveOdds: sc.PreventiveOdds,
		Rand:           rand.New(rand.NewSource(seed)),
		HistorySize:    sc.HistorySize,
		TrendWindow:    sc.TrendWindow,
	}, d.stats)
}

func (d *RemapDevice) startBackground() {
	tasks := []struct {
		name string
		task workers.Task
	}{
		{"metadata-sync", d.syncLoop},
		{"metadata-scrub", d.scheduler.RunScrub},
	}
	if d.config.Scanner.Enabled {
		tasks = append(tasks, struct {
			name string
			task workers.Task
		}{"health-scan", d.scanner.Load().Run})
	}
	for _, t := range tasks {
		if err := d.pool.Submit(t.name, t.task); err != nil {
			log.Debugf("device %s: %s not started: %v", d.id, t.name, err)
			return
		}
	}
	// Changes made while loading were not yet announced to the sync loop
	if d.table.Load().Dirty() {
		d.requestSync()
	}
}

func (d *RemapDevice) degrade(err error) {
	d.mu.Lock()
	if d.degradedErr == nil {
		d.degradedErr = err
	}
	d.mu.Unlock()
	for {
		cur := d.State()
		switch cur {
		case StateDegraded, StateFailed, StateStopped, StateUnloaded:
			return
		}
		if d.state.CompareAndSwap(int32(cur), int32(StateDegraded)) {
			log.Errorf("device %s degraded: %v", d.id, err)
			return
		}
	}
}

// requestSync wakes the sync loop; requests made while a write is pending coalesce
func (d *RemapDevice) requestSync() {
	select {
	case d.syncCh <- struct{}{}:
	default:
	}
}

func (d *RemapDevice) syncLoop(ctx context.Context) error {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-d.syncCh:
		}

		err := d.syncOnce(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		failures++
		d.stats.SyncFailures.Add(1)
		if errors.Is(err, types.ErrTimeout) || failures >= d.config.Sync.MaxRetries {
			// Left dirty; the next change retries
			d.degrade(fmt.Errorf("metadata sync failed %d times: %w", failures, err))
			continue
		}

		delay := d.config.Repair.BackoffBase << (failures - 1)
		log.Warningf("device %s: metadata sync attempt %d failed, retrying in %v: %v", d.id, failures, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		d.requestSync()
	}
}

func (d *RemapDevice) syncOnce(ctx context.Context) error {
	table := d.table.Load()
	if table == nil || !table.ClearDirty() {
		return nil
	}
	report, err := d.persistWithTimeout(ctx)
	if err != nil {
		table.RestoreDirty()
		return err
	}
	if !report.Complete() {
		d.scheduler.Schedule()
	}
	return nil
}

// persistWithTimeout writes the current state and waits at most the
// configured write timeout. On timeout the write is cancelled and abandoned.
func (d *RemapDevice) persistWithTimeout(ctx context.Context) (*types.WriteReport, error) {
	timeout := d.config.Sync.WriteTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		report *types.WriteReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := d.persist(ctx)
		done <- outcome{report, err}
	}()

	select {
	case out := <-done:
		return out.report, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			d.stats.Timeouts.Add(1)
			return nil, fmt.Errorf("%w after %v", types.ErrTimeout, timeout)
		}
		return nil, cancelled(ctx)
	}
}

func (d *RemapDevice) persist(ctx context.Context) (*types.WriteReport, error) {
	table := d.table.Load()
	d.blobMu.Lock()
	blob := d.blob.Clone()
	d.blobMu.Unlock()

	blob.Entries, blob.RemapTable.NextFreeSpare = table.Snapshot()
	if scanner := d.scanner.Load(); scanner != nil {
		blob.Health = scanner.Summary()
	}
	if d.State() == StateDegraded {
		blob.Reassembly.Flags = types.ReassemblyFlagDegraded
	} else {
		blob.Reassembly.Flags = types.ReassemblyFlagClean
	}

	report, err := d.store.Write(ctx, blob)
	if err != nil {
		return report, err
	}
	d.blobMu.Lock()
	if blob.Header.Sequence > d.blob.Header.Sequence {
		d.blob = blob
		d.lastSync = d.now()
	}
	d.blobMu.Unlock()
	return report, nil
}

// MapSector returns where sector currently lives. Before the metadata is
// loaded every sector maps to itself and the error wraps ErrNotLoaded.
func (d *RemapDevice) MapSector(sector uint64) (uint64, bool, error) {
	table := d.table.Load()
	if table == nil {
		return sector, false, types.ErrNotLoaded
	}
	d.stats.Lookups.Add(1)
	if spare, ok := table.Lookup(sector); ok {
		d.stats.Redirects.Add(1)
		return spare, true, nil
	}
	return sector, false, nil
}

// ReportIOError records a failed I/O on sector of the given device role and
// relocates the sector when the primary failed. Spare failures are counted
// and returned but never remapped. Repeated reports of the same sector within
// the debounce window return the first report's outcome.
func (d *RemapDevice) ReportIOError(sector uint64, role types.DeviceRole, op string, cause error) (uint64, error) {
	d.stats.IOErrors.Add(1)
	if role == types.RoleSpare {
		d.stats.SpareErrors.Add(1)
		log.Warningf("device %s: spare %s failed at sector %d: %v", d.id, op, sector, cause)
		return 0, types.NewDeviceError(role, op, sector, cause)
	}

	table := d.table.Load()
	if table == nil {
		return 0, types.ErrNotLoaded
	}
	if sector >= d.primary.TotalSectors() {
		log.Warningf("device %s: ignoring %s error reported beyond primary at sector %d", d.id, op, sector)
		return 0, fmt.Errorf("sector %d beyond primary device of %d sectors", sector, d.primary.TotalSectors())
	}

	now := d.now()
	if v, ok := d.debounce.Get(sector); ok {
		if prev := v.(debounceEntry); now.Sub(prev.at) < d.config.Debounce.Window {
			d.stats.DebouncedErrs.Add(1)
			return prev.spare, prev.err
		}
	}

	reason := types.ReasonReadError
	if op == OpWrite {
		reason = types.ReasonWriteError
	}
	spare, err := table.Remap(sector, reason)
	switch {
	case err == nil:
		d.stats.Remaps.Add(1)
		log.Noticef("device %s: sector %d remapped to spare %d after %s error: %v", d.id, sector, spare, op, cause)
	case errors.Is(err, types.ErrAlreadyRemapped):
		err = nil
	default:
		log.Errorf("device %s: cannot remap sector %d: %v", d.id, sector, err)
	}
	d.debounce.Add(sector, debounceEntry{at: now, spare: spare, err: err})
	return spare, err
}

// RemapSector relocates sector on operator request
func (d *RemapDevice) RemapSector(sector uint64) (uint64, error) {
	table := d.table.Load()
	if table == nil {
		return 0, types.ErrNotLoaded
	}
	if sector >= d.primary.TotalSectors() {
		return 0, fmt.Errorf("sector %d beyond primary device of %d sectors", sector, d.primary.TotalSectors())
	}
	spare, err := table.Remap(sector, types.ReasonManual)
	if err == nil {
		d.stats.Remaps.Add(1)
		log.Noticef("device %s: sector %d manually remapped to spare %d", d.id, sector, spare)
	}
	return spare, err
}

func (d *RemapDevice) plan(sector, count uint64) []ioRun {
	var runs []ioRun
	for i := uint64(0); i < count; i++ {
		s := sector + i
		target, onSpare, _ := d.MapSector(s)
		if n := len(runs); n > 0 {
			last := &runs[n-1]
			if last.onSpare == onSpare && last.target+last.count == target {
				last.count++
				continue
			}
		}
		runs = append(runs, ioRun{origin: s, target: target, count: 1, onSpare: onSpare})
	}
	return runs
}

// ReadSectors reads count sectors starting at sector, following remap
// entries. A failing primary sector is relocated for future I/O but the read
// still fails.
func (d *RemapDevice) ReadSectors(ctx context.Context, sector uint64, count uint32) ([]byte, error) {
	size := uint64(d.primary.SectorSize())
	out := make([]byte, 0, uint64(count)*size)
	for _, run := range d.plan(sector, uint64(count)) {
		if run.onSpare {
			data, err := d.spare.ReadSectors(ctx, run.target, uint32(run.count))
			if err != nil {
				if ctx.Err() != nil {
					return nil, cancelled(ctx)
				}
				return nil, d.reportSpareError(run.target, OpRead, err)
			}
			out = append(out, data...)
			continue
		}

		data, err := d.primary.ReadSectors(ctx, run.target, uint32(run.count))
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			if data, err = d.readPerSector(ctx, run); err != nil {
				return nil, err
			}
		}
		out = append(out, data...)
	}
	return out, nil
}

// readPerSector retries a failed primary run one sector at a time to find the failing sectors
func (d *RemapDevice) readPerSector(ctx context.Context, run ioRun) ([]byte, error) {
	size := uint64(d.primary.SectorSize())
	buf := make([]byte, run.count*size)
	var first error
	for i := uint64(0); i < run.count; i++ {
		s := run.target + i
		data, err := d.primary.ReadSectors(ctx, s, 1)
		if err != nil {
			if ctx.Err() != nil {
				return nil, cancelled(ctx)
			}
			d.ReportIOError(s, types.RolePrimary, OpRead, err)
			if first == nil {
				first = types.NewDeviceError(types.RolePrimary, OpRead, s, err)
			}
			continue
		}
		copy(buf[i*size:], data)
	}
	if first != nil {
		return nil, first
	}
	return buf, nil
}

func (d *RemapDevice) reportSpareError(sector uint64, op string, cause error) error {
	_, err := d.ReportIOError(sector, types.RoleSpare, op, cause)
	return err
}

// WriteSectors writes data starting at sector, following remap entries. A
// primary sector that fails is relocated and the write is redirected to its
// new spare sector.
func (d *RemapDevice) WriteSectors(ctx context.Context, sector uint64, data []byte) error {
	size := uint64(d.primary.SectorSize())
	if uint64(len(data))%size != 0 {
		return fmt.Errorf("write of %d bytes is not a multiple of the %d byte sector size", len(data), size)
	}

	offset := uint64(0)
	for _, run := range d.plan(sector, uint64(len(data))/size) {
		chunk := data[offset : offset+run.count*size]
		offset += run.count * size

		if run.onSpare {
			if err := d.spare.WriteSectors(ctx, run.target, chunk); err != nil {
				if ctx.Err() != nil {
					return cancelled(ctx)
				}
				return d.reportSpareError(run.target, OpWrite, err)
			}
			continue
		}

		if err := d.primary.WriteSectors(ctx, run.target, chunk); err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx)
			}
			if err := d.writePerSector(ctx, run, chunk); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *RemapDevice) writePerSector(ctx context.Context, run ioRun, chunk []byte) error {
	size := uint64(d.primary.SectorSize())
	for i := uint64(0); i < run.count; i++ {
		s := run.target + i
		part := chunk[i*size : (i+1)*size]
		err := d.primary.WriteSectors(ctx, s, part)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return cancelled(ctx)
		}

		spare, rerr := d.ReportIOError(s, types.RolePrimary, OpWrite, err)
		if rerr != nil {
			return fmt.Errorf("%w: %w", types.NewDeviceError(types.RolePrimary, OpWrite, s, err), rerr)
		}
		if err := d.spare.WriteSectors(ctx, spare, part); err != nil {
			return d.reportSpareError(spare, OpWrite, err)
		}
	}
	return nil
}

// Sync persists the current state immediately, bounded by the write timeout
func (d *RemapDevice) Sync(ctx context.Context) (*types.WriteReport, error) {
	table := d.table.Load()
	if table == nil {
		return nil, types.ErrNotLoaded
	}
	table.ClearDirty()
	report, err := d.persistWithTimeout(ctx)
	if err != nil {
		table.RestoreDirty()
		d.stats.SyncFailures.Add(1)
		return report, err
	}
	if !report.Complete() {
		d.scheduler.Schedule()
	}
	return report, nil
}

// Scrub repairs the metadata copies in the foreground and returns the report
func (d *RemapDevice) Scrub(ctx context.Context) (*types.RepairReport, error) {
	if d.table.Load() == nil {
		return nil, types.ErrNotLoaded
	}
	d.stats.Repairs.Add(1)
	report, err := d.store.Repair(ctx)
	if err != nil {
		d.stats.RepairFailures.Add(1)
	}
	return report, err
}

// ScanNow runs one full scan pass in the foreground and returns its score
func (d *RemapDevice) ScanNow(ctx context.Context) (int, error) {
	scanner := d.scanner.Load()
	if scanner == nil {
		return 0, types.ErrNotLoaded
	}
	return scanner.ScanPass(ctx)
}

// Inspect returns the per-copy metadata report
func (d *RemapDevice) Inspect(ctx context.Context) ([]types.CopyCandidate, error) {
	return d.store.Inspect(ctx)
}

// Stop tears the device down: it stops accepting work, cancels in-flight
// background work, drains the pool and persists any unsynced changes. The
// primary and spare devices are left open for the caller to close.
func (d *RemapDevice) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.active.Store(false)
		d.cancel()
		if d.detach != nil {
			d.detach()
		}

		err = d.pool.Close()

		if table := d.table.Load(); table != nil && table.ClearDirty() {
			if _, perr := d.persistWithTimeout(context.Background()); perr != nil {
				log.Errorf("device %s: final metadata sync failed: %v", d.id, perr)
				err = errors.Join(err, perr)
			}
		}
		d.state.Store(int32(StateStopped))
		log.Infof("device %s stopped", d.id)
	})
	return err
}

// DeviceStatus is a read-only snapshot of a binding
type DeviceStatus struct {
	ID             string        `json:"id" yaml:"id"`
	State          string        `json:"state" yaml:"state"`
	Active         bool          `json:"active" yaml:"active"`
	BindingUUID    string        `json:"binding_uuid,omitempty" yaml:"binding_uuid,omitempty"`
	Version        uint64        `json:"version" yaml:"version"`
	Sequence       uint64        `json:"sequence" yaml:"sequence"`
	LastSync       time.Time     `json:"last_sync" yaml:"last_sync"`
	Dirty          bool          `json:"dirty" yaml:"dirty"`
	RemapCount     uint32        `json:"remap_count" yaml:"remap_count"`
	RemapCapacity  uint32        `json:"remap_capacity" yaml:"remap_capacity"`
	HealthScore    int           `json:"health_score" yaml:"health_score"`
	HealthTrend    string        `json:"health_trend" yaml:"health_trend"`
	ScannerState   string        `json:"scanner_state" yaml:"scanner_state"`
	ScanInterval   string        `json:"scan_interval" yaml:"scan_interval"`
	CopyValid      []bool        `json:"copy_valid" yaml:"copy_valid"`
	ValidCopies    int           `json:"valid_copies" yaml:"valid_copies"`
	Repair         RepairStatus  `json:"repair" yaml:"repair"`
	Stats          StatsSnapshot `json:"stats" yaml:"stats"`
	LoadError      string        `json:"load_error,omitempty" yaml:"load_error,omitempty"`
	DegradedReason string        `json:"degraded_reason,omitempty" yaml:"degraded_reason,omitempty"`
}

// Status returns a snapshot of the binding
func (d *RemapDevice) Status() DeviceStatus {
	status := DeviceStatus{
		ID:     d.id,
		State:  d.State().String(),
		Active: d.active.Load(),
		Repair: d.scheduler.Status(),
		Stats:  d.stats.Snapshot(),
	}

	d.blobMu.Lock()
	if d.blob != nil {
		status.BindingUUID = device.FormatUUID(d.blob.Reassembly.BindingUUID)
		status.Version = d.blob.Header.Version
		status.Sequence = d.blob.Header.Sequence
		status.LastSync = d.lastSync
	}
	d.blobMu.Unlock()

	if table := d.table.Load(); table != nil {
		status.RemapCount = table.Count()
		status.RemapCapacity = table.Capacity()
		status.Dirty = table.Dirty()
	}
	if scanner := d.scanner.Load(); scanner != nil {
		status.HealthScore = scanner.Score()
		status.HealthTrend = scanner.Trend().String()
		status.ScannerState = scanner.State().String()
		status.ScanInterval = scanner.Interval().String()
	}

	validity := d.store.CopyValidity()
	status.CopyValid = validity[:]
	for _, ok := range validity {
		if ok {
			status.ValidCopies++
		}
	}

	d.mu.RLock()
	if d.loadErr != nil {
		status.LoadError = d.loadErr.Error()
	}
	if d.degradedErr != nil {
		status.DegradedReason = d.degradedErr.Error()
	}
	d.mu.RUnlock()
	return status
}
