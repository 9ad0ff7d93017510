package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deploymenttheory/go-remap/internal/types"
)

// ErrMediumError is the failure injected for sectors marked as bad.
var ErrMediumError = errors.New("unrecovered medium error")

// MemoryDevice is an in-memory sector device with fault injection. It backs
// tests and dry runs; sectors can be marked to fail reads or writes, to
// respond slowly, or be corrupted in place.
type MemoryDevice struct {
	mu           sync.RWMutex
	data         []byte
	sectorSize   uint32
	totalSectors uint64
	identity     types.DeviceFingerprint
	closed       bool

	readFaults  map[uint64]struct{}
	writeFaults map[uint64]struct{}
	latency     map[uint64]time.Duration

	reads   atomic.Int64
	writes  atomic.Int64
	flushes atomic.Int64
}

// NewMemoryDevice creates a zero-filled in-memory device
func NewMemoryDevice(name string, sectors uint64, sectorSize uint32) *MemoryDevice {
	if sectorSize == 0 {
		sectorSize = types.SectorSize
	}
	return &MemoryDevice{
		data:         make([]byte, sectors*uint64(sectorSize)),
		sectorSize:   sectorSize,
		totalSectors: sectors,
		identity:     NewFingerprint(name, sectors, name),
		readFaults:   make(map[uint64]struct{}),
		writeFaults:  make(map[uint64]struct{}),
		latency:      make(map[uint64]time.Duration),
	}
}

func (m *MemoryDevice) checkRange(sector, count uint64) error {
	if count == 0 || sector >= m.totalSectors || count > m.totalSectors-sector {
		return fmt.Errorf("sectors [%d,+%d) on %d-sector device: %w", sector, count, m.totalSectors, ErrOutOfRange)
	}
	return nil
}

// ReadSectors reads count sectors starting at sector
func (m *MemoryDevice) ReadSectors(ctx context.Context, sector uint64, count uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkRange(sector, uint64(count)); err != nil {
		return nil, err
	}

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var delay time.Duration
	for s := sector; s < sector+uint64(count); s++ {
		if _, bad := m.readFaults[s]; bad {
			m.mu.RUnlock()
			return nil, fmt.Errorf("read sector %d: %w", s, ErrMediumError)
		}
		delay += m.latency[s]
	}
	start := sector * uint64(m.sectorSize)
	buf := make([]byte, uint64(count)*uint64(m.sectorSize))
	copy(buf, m.data[start:])
	m.mu.RUnlock()

	m.reads.Add(1)
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return buf, nil
}

// WriteSectors writes data starting at sector. A write touching a faulty
// sector fails as a whole and leaves the device unchanged.
func (m *MemoryDevice) WriteSectors(ctx context.Context, sector uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(data) == 0 || len(data)%int(m.sectorSize) != 0 {
		return fmt.Errorf("%d byte write: %w", len(data), ErrUnaligned)
	}
	count := uint64(len(data)) / uint64(m.sectorSize)
	if err := m.checkRange(sector, count); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for s := sector; s < sector+count; s++ {
		if _, bad := m.writeFaults[s]; bad {
			return fmt.Errorf("write sector %d: %w", s, ErrMediumError)
		}
	}
	copy(m.data[sector*uint64(m.sectorSize):], data)
	m.writes.Add(1)
	return nil
}

// Flush is a no-op that is counted
func (m *MemoryDevice) Flush() error {
	m.flushes.Add(1)
	return nil
}

// Close marks the device closed
func (m *MemoryDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SectorSize returns the sector size in bytes
func (m *MemoryDevice) SectorSize() uint32 {
	return m.sectorSize
}

// TotalSectors returns the number of addressable sectors
func (m *MemoryDevice) TotalSectors() uint64 {
	return m.totalSectors
}

// Fingerprint returns the identity of the device
func (m *MemoryDevice) Fingerprint() types.DeviceFingerprint {
	return m.identity
}

// FailReads makes reads touching any of the given sectors fail
func (m *MemoryDevice) FailReads(sectors ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sectors {
		m.readFaults[s] = struct{}{}
	}
}

// FailWrites makes writes touching any of the given sectors fail
func (m *MemoryDevice) FailWrites(sectors ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range sectors {
		m.writeFaults[s] = struct{}{}
	}
}

// SetLatency delays every read touching sector by d
func (m *MemoryDevice) SetLatency(sector uint64, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[sector] = d
}

// ClearFaults removes every injected fault and latency
func (m *MemoryDevice) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readFaults = make(map[uint64]struct{})
	m.writeFaults = make(map[uint64]struct{})
	m.latency = make(map[uint64]time.Duration)
}

// Corrupt flips every bit of the byte at offset within sector
func (m *MemoryDevice) Corrupt(sector uint64, offset int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[sector*uint64(m.sectorSize)+uint64(offset)] ^= 0xFF
}

// Fill sets count sectors starting at sector to b
func (m *MemoryDevice) Fill(sector, count uint64, b byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := sector * uint64(m.sectorSize)
	end := start + count*uint64(m.sectorSize)
	for i := start; i < end; i++ {
		m.data[i] = b
	}
}

// Reads returns the number of successful read calls
func (m *MemoryDevice) Reads() int64 {
	return m.reads.Load()
}

// Writes returns the number of successful write calls
func (m *MemoryDevice) Writes() int64 {
	return m.writes.Load()
}

// Flushes returns the number of flush calls
func (m *MemoryDevice) Flushes() int64 {
	return m.flushes.Load()
}
