package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/deploymenttheory/go-remap/internal/interfaces"
	"github.com/deploymenttheory/go-remap/internal/types"
	"github.com/deploymenttheory/go-remap/internal/workers"
)

// RepairSchedulerConfig holds configuration for a RepairScheduler
type RepairSchedulerConfig struct {
	ScrubInterval time.Duration
	// MaxRetries is the number of consecutive failed repairs tolerated
	// before the device is marked degraded.
	MaxRetries int
	// RetryDelay is the delay before the first retry; it doubles on each retry.
	RetryDelay time.Duration
	Now        func() time.Time
}

// RepairStatus is a snapshot of the scheduler state
type RepairStatus struct {
	InProgress bool      `json:"in_progress" yaml:"in_progress"`
	Pending    bool      `json:"pending" yaml:"pending"`
	Retries    int       `json:"retries" yaml:"retries"`
	Runs       int64     `json:"runs" yaml:"runs"`
	Successes  int64     `json:"successes" yaml:"successes"`
	Degraded   bool      `json:"degraded" yaml:"degraded"`
	LastRepair time.Time `json:"last_repair" yaml:"last_repair"`
	LastError  string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// RepairScheduler runs metadata repairs on the worker pool. Scheduling is
// idempotent: a request made while a repair runs sets a pending flag that
// triggers one more run when the current one completes.
type RepairScheduler struct {
	store  interfaces.MetadataRepairer
	pool   *workers.Pool
	config RepairSchedulerConfig
	stats  *Stats

	// mu guards the fields below and is never held across I/O
	mu         sync.Mutex
	inProgress bool
	pending    bool
	retries    int
	runs       int64
	successes  int64
	degraded   bool
	lastRepair time.Time
	lastErr    error
	onDegraded func(error)
	lastReport *types.RepairReport
}

// NewRepairScheduler creates a scheduler submitting repairs to pool
func NewRepairScheduler(store interfaces.MetadataRepairer, pool *workers.Pool, config RepairSchedulerConfig, stats *Stats) *RepairScheduler {
	if config.ScrubInterval <= 0 {
		config.ScrubInterval = time.Hour
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if stats == nil {
		stats = &Stats{}
	}
	return &RepairScheduler{store: store, pool: pool, config: config, stats: stats}
}

// SetDegradedHook registers fn to be called once when retries are exhausted
func (s *RepairScheduler) SetDegradedHook(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDegraded = fn
}

// Schedule requests a repair. It returns true when a new run was started and
// false when the request was folded into a running repair or the pool is closed.
func (s *RepairScheduler) Schedule() bool {
	s.mu.Lock()
	if s.inProgress {
		s.pending = true
		s.mu.Unlock()
		return false
	}
	s.inProgress = true
	s.mu.Unlock()

	if err := s.pool.Submit("metadata-repair", s.run); err != nil {
		s.mu.Lock()
		s.inProgress = false
		s.mu.Unlock()
		log.Debugf("repair not scheduled: %v", err)
		return false
	}
	return true
}

// run repairs until the copies settle and then, while requests arrived
// during the run, repairs again. Follow-up runs reuse the current slot so a
// full pool cannot deadlock on its own reschedule.
func (s *RepairScheduler) run(ctx context.Context) error {
	for {
		s.repairWithRetry(ctx)
		if ctx.Err() != nil {
			s.finish()
			return nil
		}
		s.mu.Lock()
		if s.pending {
			s.pending = false
			s.mu.Unlock()
			log.Debug("repair requested during run, repairing again")
			continue
		}
		s.inProgress = false
		s.mu.Unlock()
		return nil
	}
}

func (s *RepairScheduler) repairWithRetry(ctx context.Context) {
	delay := s.config.RetryDelay
	for {
		report, err := s.store.Repair(ctx)
		if ctx.Err() != nil {
			return
		}

		s.stats.Repairs.Add(1)
		s.mu.Lock()
		s.runs++
		s.lastRepair = s.config.Now()
		s.lastReport = report
		s.lastErr = err
		if err == nil {
			s.retries = 0
			s.successes++
			s.degraded = false
			s.mu.Unlock()
			if report != nil && len(report.Repaired) > 0 {
				log.Noticef("metadata repair rewrote copies %v", report.Repaired)
			}
			return
		}

		s.retries++
		s.stats.RepairFailures.Add(1)
		// ErrNotFound leaves no source copy to repair from
		exhausted := s.retries > s.config.MaxRetries || errors.Is(err, types.ErrNotFound)
		var hook func(error)
		if exhausted && !s.degraded {
			s.degraded = true
			hook = s.onDegraded
		}
		retries := s.retries
		s.mu.Unlock()

		if exhausted {
			log.Errorf("metadata repair failed %d times, giving up: %v", retries, err)
			if hook != nil {
				hook(err)
			}
			return
		}

		log.Warningf("metadata repair attempt %d failed, retrying in %v: %v", retries, delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
	}
}

func (s *RepairScheduler) finish() {
	s.mu.Lock()
	s.pending = false
	s.inProgress = false
	s.mu.Unlock()
}

// RunScrub schedules a proactive repair every scrub interval until ctx is cancelled
func (s *RepairScheduler) RunScrub(ctx context.Context) error {
	ticker := time.NewTicker(s.config.ScrubInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			log.Debug("scrub interval elapsed, scheduling repair")
			s.Schedule()
		}
	}
}

// Status returns a snapshot of the scheduler state
func (s *RepairScheduler) Status() RepairStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := RepairStatus{
		InProgress: s.inProgress,
		Pending:    s.pending,
		Retries:    s.retries,
		Runs:       s.runs,
		Successes:  s.successes,
		Degraded:   s.degraded,
		LastRepair: s.lastRepair,
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	return status
}

// LastReport returns the report of the most recent repair run
func (s *RepairScheduler) LastReport() *types.RepairReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReport
}
