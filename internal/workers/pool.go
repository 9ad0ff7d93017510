// Package workers provides the fixed-size task pool that runs all
// background work of a binding, independent of the foreground I/O path.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	logging "github.com/op/go-logging"
	"golang.org/x/sync/errgroup"
)

var log = logging.MustGetLogger("remap.workers")

// ErrPoolClosed is returned when submitting to a pool that is shutting down.
var ErrPoolClosed = errors.New("worker pool closed")

// Task is a unit of background work. It must return promptly once ctx is cancelled.
type Task func(ctx context.Context) error

// Pool runs tasks on a bounded number of goroutines. Every task receives the
// pool context, which is cancelled by Close.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Stats is a snapshot of pool counters
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
}

// New creates a pool with size slots whose tasks run under a context derived from parent
func New(parent context.Context, size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(parent)
	p := &Pool{ctx: ctx, cancel: cancel}
	p.group.SetLimit(size)
	return p
}

// Context returns the pool context
func (p *Pool) Context() context.Context {
	return p.ctx
}

// Submit runs task on the pool, waiting for a free slot
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed || p.ctx.Err() != nil {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	p.group.Go(p.wrap(name, task))
	return nil
}

func (p *Pool) wrap(name string, task Task) func() error {
	return func() error {
		defer p.completed.Add(1)
		err := task(p.ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return nil
		}
		p.failed.Add(1)
		log.Warningf("task %s failed: %v", name, err)
		return fmt.Errorf("task %s: %w", name, err)
	}
}

// Close cancels the pool context and waits for every task to return. It
// returns the first task failure, if any.
func (p *Pool) Close() error {
	// Cancel before taking the lock so submitters blocked on a full pool can proceed
	p.cancel()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.group.Wait()
}

// Stats returns the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}
