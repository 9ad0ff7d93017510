package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	logging "github.com/op/go-logging"

	"github.com/deploymenttheory/go-remap/internal/types"
)

var log = logging.MustGetLogger("remap.device")

var (
	// ErrOutOfRange is returned for I/O beyond the end of a device.
	ErrOutOfRange = errors.New("sector range out of bounds")
	// ErrUnaligned is returned when a write is not a whole number of sectors.
	ErrUnaligned = errors.New("buffer is not sector aligned")
	// ErrClosed is returned for I/O on a closed device.
	ErrClosed = errors.New("device closed")
	// ErrReadOnly is returned for writes to a device opened read-only.
	ErrReadOnly = errors.New("device is read-only")
)

// FileDeviceConfig holds configuration for file-backed sector devices
type FileDeviceConfig struct {
	SectorSize uint32
	// Offset is the byte offset of sector 0 within the file.
	Offset int64
	// Sectors limits the device size; zero uses the whole file.
	Sectors uint64
	// CacheSize is the number of sectors kept in the read cache; zero disables it.
	CacheSize int
	ReadOnly  bool
	// Serial is the device serial number, when known.
	Serial string
}

// FileDevice provides sector access to a regular file or block device node
type FileDevice struct {
	file         *os.File
	path         string
	offset       int64
	sectorSize   uint32
	totalSectors uint64
	readOnly     bool
	cache        *lru.Cache
	identity     types.DeviceFingerprint

	mu     sync.RWMutex
	closed bool

	statsMu sync.RWMutex
	stats   Statistics
}

// Statistics tracks device access statistics
type Statistics struct {
	SectorsRead    int64
	SectorsWritten int64
	BytesRead      int64
	BytesWritten   int64
	CacheHits      int64
	CacheMisses    int64
	ReadErrors     int64
	WriteErrors    int64
	LastIO         time.Time
}

// CreateFileDevice creates a sparse image of the given size and opens it
func CreateFileDevice(path string, sectors uint64, config FileDeviceConfig) (*FileDevice, error) {
	if config.SectorSize == 0 {
		config.SectorSize = types.SectorSize
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create image file: %w", err)
	}
	if err := file.Truncate(config.Offset + int64(sectors)*int64(config.SectorSize)); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to size image file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close image file: %w", err)
	}
	config.Sectors = sectors
	return OpenFileDevice(path, config)
}

// OpenFileDevice opens a file as a sector device
func OpenFileDevice(path string, config FileDeviceConfig) (*FileDevice, error) {
	if config.SectorSize == 0 {
		config.SectorSize = types.SectorSize
	}
	flag := os.O_RDWR
	if config.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open device: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat device: %w", err)
	}

	available := uint64(0)
	if stat.Size() > config.Offset {
		available = uint64(stat.Size()-config.Offset) / uint64(config.SectorSize)
	}
	sectors := config.Sectors
	if sectors == 0 {
		sectors = available
	}
	if sectors > available && stat.Mode().IsRegular() {
		file.Close()
		return nil, fmt.Errorf("device %s holds %d sectors, %d requested: %w", path, available, sectors, ErrOutOfRange)
	}

	d := &FileDevice{
		file:         file,
		path:         path,
		offset:       config.Offset,
		sectorSize:   config.SectorSize,
		totalSectors: sectors,
		readOnly:     config.ReadOnly,
		identity:     NewFingerprint(path, sectors, config.Serial),
	}
	if config.CacheSize > 0 {
		d.cache, err = lru.New(config.CacheSize)
		if err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to create sector cache: %w", err)
		}
	}

	log.Debugf("opened %s: %d sectors of %d bytes at offset %d", path, sectors, config.SectorSize, config.Offset)
	return d, nil
}

func (d *FileDevice) checkRange(sector uint64, count uint64) error {
	if count == 0 || sector >= d.totalSectors || count > d.totalSectors-sector {
		return fmt.Errorf("sectors [%d,+%d) on %d-sector device: %w", sector, count, d.totalSectors, ErrOutOfRange)
	}
	return nil
}

// ReadSectors reads count sectors starting at sector
func (d *FileDevice) ReadSectors(ctx context.Context, sector uint64, count uint32) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.checkRange(sector, uint64(count)); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}

	// Single sector reads are served from cache when possible
	if count == 1 && d.cache != nil {
		if cached, ok := d.cache.Get(sector); ok {
			buf := make([]byte, d.sectorSize)
			copy(buf, cached.([]byte))
			d.statsMu.Lock()
			d.stats.CacheHits++
			d.statsMu.Unlock()
			return buf, nil
		}
	}

	buf := make([]byte, int(count)*int(d.sectorSize))
	n, err := d.file.ReadAt(buf, d.offset+int64(sector)*int64(d.sectorSize))

	d.statsMu.Lock()
	d.stats.LastIO = time.Now()
	if err != nil {
		d.stats.ReadErrors++
	} else {
		d.stats.SectorsRead += int64(count)
		d.stats.BytesRead += int64(n)
		d.stats.CacheMisses++
	}
	d.statsMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("failed to read sector %d: %w", sector, err)
	}

	if count == 1 && d.cache != nil {
		cached := make([]byte, len(buf))
		copy(cached, buf)
		d.cache.Add(sector, cached)
	}
	return buf, nil
}

// WriteSectors writes data starting at sector
func (d *FileDevice) WriteSectors(ctx context.Context, sector uint64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.readOnly {
		return ErrReadOnly
	}
	if len(data) == 0 || len(data)%int(d.sectorSize) != 0 {
		return fmt.Errorf("%d byte write: %w", len(data), ErrUnaligned)
	}
	count := uint64(len(data)) / uint64(d.sectorSize)
	if err := d.checkRange(sector, count); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	if d.cache != nil {
		for s := sector; s < sector+count; s++ {
			d.cache.Remove(s)
		}
	}

	n, err := d.file.WriteAt(data, d.offset+int64(sector)*int64(d.sectorSize))

	d.statsMu.Lock()
	d.stats.LastIO = time.Now()
	if err != nil {
		d.stats.WriteErrors++
	} else {
		d.stats.SectorsWritten += int64(count)
		d.stats.BytesWritten += int64(n)
	}
	d.statsMu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to write sector %d: %w", sector, err)
	}
	return nil
}

// Flush commits written data to stable storage
func (d *FileDevice) Flush() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed || d.readOnly {
		return nil
	}
	return d.file.Sync()
}

// Close closes the underlying file
func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.cache != nil {
		d.cache.Purge()
	}
	return d.file.Close()
}

// SectorSize returns the sector size in bytes
func (d *FileDevice) SectorSize() uint32 {
	return d.sectorSize
}

// TotalSectors returns the number of addressable sectors
func (d *FileDevice) TotalSectors() uint64 {
	return d.totalSectors
}

// Path returns the path the device was opened from
func (d *FileDevice) Path() string {
	return d.path
}

// Fingerprint returns the identity of the device
func (d *FileDevice) Fingerprint() types.DeviceFingerprint {
	return d.identity
}

// GetStats returns a copy of the current access statistics
func (d *FileDevice) GetStats() Statistics {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	return d.stats
}

// CacheHitRate returns the cache hit rate as a percentage
func (d *FileDevice) CacheHitRate() float64 {
	d.statsMu.RLock()
	defer d.statsMu.RUnlock()
	total := d.stats.CacheHits + d.stats.CacheMisses
	if total == 0 {
		return 0.0
	}
	return float64(d.stats.CacheHits) / float64(total) * 100.0
}
