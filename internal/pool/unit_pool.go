// Package pool runs independent unit jobs under a fixed concurrency bound.
package pool

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/johndauphine/sqlconv/internal/logging"
	"github.com/johndauphine/sqlconv/internal/progress"
)

// JobFunc processes one unit. The context it receives is not canceled when
// the run is, so a started job always reaches a final ledger write. Jobs
// bound their own backend calls with a timeout.
type JobFunc func(ctx context.Context) error

// Config holds the configuration for creating a unit pool.
type Config struct {
	Workers int
	Prog    *progress.Tracker
}

// UnitPool runs jobs with at most Workers in flight. A failing job never
// cancels the others; errors are counted and logged.
type UnitPool struct {
	ctx      context.Context
	detached context.Context
	group    errgroup.Group
	prog     *progress.Tracker
	workers  int

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	busyTime  atomic.Int64 // nanoseconds
	startTime time.Time
}

// Stats summarizes a drained pool.
type Stats struct {
	Submitted int64
	Completed int64
	Failed    int64
	// Skipped counts jobs that were queued but never started because the run was canceled.
	Skipped  int64
	BusyTime time.Duration
	Elapsed  time.Duration
}

// New creates a pool bound to ctx. Canceling ctx stops new submissions.
func New(ctx context.Context, cfg Config) *UnitPool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	p := &UnitPool{
		ctx:       ctx,
		detached:  context.WithoutCancel(ctx),
		prog:      cfg.Prog,
		workers:   workers,
		startTime: time.Now(),
	}
	p.group.SetLimit(workers)
	logging.Debug("UnitPool: started with %d workers", workers)
	return p
}

// Submit queues a job, blocking while all workers are busy. It returns false
// without queuing once the pool context is canceled.
func (p *UnitPool) Submit(job JobFunc) bool {
	if p.ctx.Err() != nil {
		return false
	}
	p.submitted.Add(1)
	p.group.Go(func() error {
		if p.ctx.Err() != nil {
			p.skipped.Add(1)
			return nil
		}
		start := time.Now()
		err := job(p.detached)
		p.busyTime.Add(int64(time.Since(start)))
		p.completed.Add(1)
		if err != nil {
			p.failed.Add(1)
			logging.Warn("Unit job failed: %v", err)
		}
		if p.prog != nil {
			p.prog.Add(1)
		}
		return nil
	})
	return true
}

// Wait blocks until every queued job has finished and returns the totals.
func (p *UnitPool) Wait() Stats {
	_ = p.group.Wait()
	s := Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Skipped:   p.skipped.Load(),
		BusyTime:  time.Duration(p.busyTime.Load()),
		Elapsed:   time.Since(p.startTime),
	}
	logging.Debug("UnitPool: drained (submitted=%d completed=%d failed=%d skipped=%d)",
		s.Submitted, s.Completed, s.Failed, s.Skipped)
	return s
}

// Workers returns the concurrency bound.
func (p *UnitPool) Workers() int {
	return p.workers
}
