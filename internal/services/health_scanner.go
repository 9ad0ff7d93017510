package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/types"
)

// Sector scoring thresholds
const (
	remapScoreThreshold      = 20
	probableScoreThreshold   = 40
	warningScoreThreshold    = 60
	uniformContentPenalty    = 20
	errorRateScale           = 10000
	defaultScanChunkSectors  = 4096
	defaultScanStride        = 8
	defaultScanYieldInterval = 100
)

// ScannerState is the lifecycle state of a HealthScanner
type ScannerState int32

const (
	ScannerIdle ScannerState = iota
	ScannerScanning
	ScannerStopped
)

// String returns the string representation of ScannerState.
func (s ScannerState) String() string {
	switch s {
	case ScannerIdle:
		return "idle"
	case ScannerScanning:
		return "scanning"
	case ScannerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// ScanRemapper is the part of the remap table the scanner needs
type ScanRemapper interface {
	IsRemapped(sector uint64) bool
	ScanRemap(original uint64, reason types.RemapReason) (uint64, error)
}

// HealthScannerConfig holds configuration for a HealthScanner
type HealthScannerConfig struct {
	BaseInterval   time.Duration
	ChunkSectors   uint64
	Stride         uint64
	YieldEvery     int
	YieldDuration  time.Duration
	PreventiveOdds float64
	// Rand drives probabilistic remapping; inject a seeded source for reproducible scans.
	Rand        *rand.Rand
	HistorySize int
	TrendWindow int
	Now         func() time.Time
}

// ChunkResult summarizes one scanned chunk
type ChunkResult struct {
	Sampled  uint64
	Skipped  uint64
	Errors   uint64
	Warnings uint64
	Remapped []uint64
	// PassComplete is set when the chunk reached the end of the device.
	PassComplete bool
	// Score is the aggregate score computed at the end of a pass.
	Score int
}

// HealthScanner samples the primary device in the background, scoring
// sectors by read latency and content and relocating those judged failing
type HealthScanner struct {
	device  interfaces.SectorReader
	table   ScanRemapper
	config  HealthScannerConfig
	history *HealthHistory
	stats   *Stats

	// scanMu serializes scanning and guards the pass counters and rng
	scanMu       sync.Mutex
	passSampled  uint64
	passErrors   uint64
	passWarnings uint64

	state          atomic.Int32
	cursor         atomic.Uint64
	score          atomic.Int32
	interval       atomic.Int64
	passes         atomic.Uint64
	errorSectors   atomic.Uint64
	warningSectors atomic.Uint64
	lastFullScan   atomic.Int64
	// restoredTrend is the persisted trend, or -1 when none was restored
	restoredTrend atomic.Int32
}

// NewHealthScanner creates a scanner over the primary device
func NewHealthScanner(device interfaces.SectorReader, table ScanRemapper, config HealthScannerConfig, stats *Stats) *HealthScanner {
	if config.ChunkSectors == 0 {
		config.ChunkSectors = defaultScanChunkSectors
	}
	if config.Stride == 0 {
		config.Stride = defaultScanStride
	}
	if config.YieldEvery <= 0 {
		config.YieldEvery = defaultScanYieldInterval
	}
	if config.Rand == nil {
		config.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if stats == nil {
		stats = &Stats{}
	}
	s := &HealthScanner{
		device:  device,
		table:   table,
		config:  config,
		history: NewHealthHistory(config.HistorySize, config.TrendWindow),
		stats:   stats,
	}
	s.score.Store(100)
	s.interval.Store(int64(config.BaseInterval))
	s.restoredTrend.Store(-1)
	return s
}

// State returns the current lifecycle state
func (s *HealthScanner) State() ScannerState {
	return ScannerState(s.state.Load())
}

// Score returns the most recent aggregate health score
func (s *HealthScanner) Score() int {
	return int(s.score.Load())
}

// Interval returns the current adaptive scan interval
func (s *HealthScanner) Interval() time.Duration {
	return time.Duration(s.interval.Load())
}

// Restore seeds the scanner from a persisted health summary. Samples are not
// persisted, so the history restarts from the restored score and Trend
// reports the persisted trend until a full window of fresh samples exists.
func (s *HealthScanner) Restore(summary types.HealthSummary) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if summary.ScanCursor < s.device.TotalSectors() {
		s.cursor.Store(summary.ScanCursor)
	}
	s.score.Store(int32(summary.Score))
	s.passes.Store(summary.ScanPasses)
	s.errorSectors.Store(summary.ErrorSectors)
	s.warningSectors.Store(summary.WarningSectors)
	s.lastFullScan.Store(int64(summary.LastFullScan))
	s.interval.Store(int64(NextScanInterval(int(summary.Score), s.config.BaseInterval)))

	at := s.config.Now()
	if summary.LastFullScan != 0 {
		at = time.Unix(0, int64(summary.LastFullScan))
	}
	s.history.Push(int(summary.Score), at)
	if trend := types.HealthTrend(summary.Trend); trend <= types.TrendDegrading {
		s.restoredTrend.Store(int32(trend))
	}
}

// Trend classifies the recent direction of the health score
func (s *HealthScanner) Trend() types.HealthTrend {
	if s.history.Summary().Count < s.history.Window() {
		if restored := s.restoredTrend.Load(); restored >= 0 {
			return types.HealthTrend(restored)
		}
	}
	return s.history.Trend()
}

// Summary returns the scanner state in its persisted form
func (s *HealthScanner) Summary() types.HealthSummary {
	return types.HealthSummary{
		Score:          uint8(s.score.Load()),
		Trend:          uint8(s.Trend()),
		ScanCursor:     s.cursor.Load(),
		ScanPasses:     s.passes.Load(),
		ErrorSectors:   s.errorSectors.Load(),
		WarningSectors: s.warningSectors.Load(),
		LastFullScan:   uint64(s.lastFullScan.Load()),
	}
}

// Run scans full passes separated by the adaptive interval until ctx is
// cancelled. Cancellation is final: the scanner ends in ScannerStopped.
func (s *HealthScanner) Run(ctx context.Context) error {
	defer s.state.Store(int32(ScannerStopped))
	for {
		if _, err := s.ScanPass(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Debugf("scan pass complete, score %d, next pass in %v", s.Score(), s.Interval())

		timer := time.NewTimer(s.Interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// ScanPass scans chunks from the current cursor until the pass completes and
// returns the aggregate score
func (s *HealthScanner) ScanPass(ctx context.Context) (int, error) {
	for {
		result, err := s.ScanChunk(ctx)
		if err != nil {
			return 0, err
		}
		if result.PassComplete {
			return result.Score, nil
		}
	}
}

// ScanChunk scans the next chunk of the device starting at the cursor
func (s *HealthScanner) ScanChunk(ctx context.Context) (*ChunkResult, error) {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	s.state.Store(int32(ScannerScanning))
	defer s.state.CompareAndSwap(int32(ScannerScanning), int32(ScannerIdle))

	total := s.device.TotalSectors()
	start := s.cursor.Load()
	end := start + s.config.ChunkSectors
	if end > total {
		end = total
	}

	result := &ChunkResult{}
	sinceYield := 0
	sector := start
	for ; sector < end; sector += s.config.Stride {
		if err := cancelled(ctx); err != nil {
			s.cursor.Store(sector)
			return nil, err
		}
		if s.table.IsRemapped(sector) {
			result.Skipped++
			continue
		}
		s.scanSector(ctx, sector, result)

		sinceYield++
		if sinceYield >= s.config.YieldEvery {
			sinceYield = 0
			if err := s.yield(ctx); err != nil {
				s.cursor.Store(sector + s.config.Stride)
				return nil, err
			}
		}
	}

	s.passSampled += result.Sampled
	s.passErrors += result.Errors
	s.passWarnings += result.Warnings
	s.stats.SectorsScanned.Add(int64(result.Sampled))

	if sector >= total {
		s.cursor.Store(0)
		result.PassComplete = true
		result.Score = s.completePassLocked()
	} else {
		s.cursor.Store(sector)
	}
	return result, nil
}

func (s *HealthScanner) scanSector(ctx context.Context, sector uint64, result *ChunkResult) {
	began := time.Now()
	data, err := s.device.ReadSectors(ctx, sector, 1)
	latency := time.Since(began)
	result.Sampled++

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		result.Errors++
		s.errorSectors.Add(1)
		log.Warningf("scan read of sector %d failed: %v", sector, err)
		s.relocate(sector, types.ReasonReadError, result)
		return
	}

	score := ScoreSector(latency, data)
	if score < warningScoreThreshold {
		result.Warnings++
		s.warningSectors.Add(1)
	}
	switch {
	case score < remapScoreThreshold:
		s.relocate(sector, types.ReasonPreventive, result)
	case score < probableScoreThreshold:
		if s.config.Rand.Float64() < s.config.PreventiveOdds {
			s.relocate(sector, types.ReasonPreventive, result)
		}
	}
}

func (s *HealthScanner) relocate(sector uint64, reason types.RemapReason, result *ChunkResult) {
	spare, err := s.table.ScanRemap(sector, reason)
	switch {
	case err == nil:
		result.Remapped = append(result.Remapped, sector)
		s.stats.Remaps.Add(1)
		log.Infof("scanner remapped sector %d to spare %d (%s)", sector, spare, reason)
	case errors.Is(err, types.ErrAlreadyRemapped):
	default:
		log.Errorf("scanner could not remap sector %d: %v", sector, err)
	}
}

func (s *HealthScanner) yield(ctx context.Context) error {
	if s.config.YieldDuration <= 0 {
		return cancelled(ctx)
	}
	timer := time.NewTimer(s.config.YieldDuration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return cancelled(ctx)
	case <-timer.C:
		return nil
	}
}

func (s *HealthScanner) completePassLocked() int {
	score := AggregateHealthScore(s.passErrors, s.passWarnings, s.passSampled)
	now := s.config.Now()

	s.score.Store(int32(score))
	s.history.Push(score, now)
	s.interval.Store(int64(NextScanInterval(score, s.config.BaseInterval)))
	s.passes.Add(1)
	s.lastFullScan.Store(now.UnixNano())
	s.stats.ScanPasses.Add(1)

	log.Infof("full scan complete: %d sampled, %d errors, %d warnings, score %d",
		s.passSampled, s.passErrors, s.passWarnings, score)
	s.passSampled, s.passErrors, s.passWarnings = 0, 0, 0
	return score
}

// ScoreSector scores a successful read from 0 to 100 by latency, penalizing
// sectors whose content is uniformly zero or uniformly one bits
func ScoreSector(latency time.Duration, data []byte) int {
	var score int
	switch {
	case latency > 100*time.Millisecond:
		score = 10
	case latency > 50*time.Millisecond:
		score = 30
	case latency > 20*time.Millisecond:
		score = 60
	default:
		score = 100
	}
	if uniformContent(data) {
		score -= uniformContentPenalty
		if score < 0 {
			score = 0
		}
	}
	return score
}

func uniformContent(data []byte) bool {
	if len(data) == 0 || (data[0] != 0x00 && data[0] != 0xFF) {
		return false
	}
	for _, b := range data[1:] {
		if b != data[0] {
			return false
		}
	}
	return true
}

// AggregateHealthScore computes a pass score from error and warning rates
// per 10,000 sampled sectors
func AggregateHealthScore(errs, warnings, sampled uint64) int {
	if sampled == 0 {
		return 100
	}
	errorRate := float64(errs) * errorRateScale / float64(sampled)
	warningRate := float64(warnings) * errorRateScale / float64(sampled)

	var score int
	switch {
	case errs == 0:
		score = 100
	case errorRate <= 10:
		score = 75
	case errorRate <= 50:
		score = 50
	case errorRate <= 100:
		score = 25
	default:
		score = 0
	}

	switch {
	case warningRate > 500:
		score -= 30
	case warningRate > 100:
		score -= 15
	case warnings > 0:
		score -= 5
	}
	if score < 0 {
		score = 0
	}
	return score
}

// NextScanInterval adapts the scan interval to the health score
func NextScanInterval(score int, base time.Duration) time.Duration {
	switch {
	case score < 25:
		return base / 8
	case score < 50:
		return base / 4
	case score < 75:
		return base / 2
	case score >= 90:
		return base * 2
	default:
		return base
	}
}

// String returns a one-line description of the scanner
func (s *HealthScanner) String() string {
	return fmt.Sprintf("scanner[%s cursor=%d score=%d interval=%v]", s.State(), s.cursor.Load(), s.Score(), s.Interval())
}
