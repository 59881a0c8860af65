package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"golang.org/x/sync/errgroup"
)

// Dispatcher drains the job_dispatch outbox into the processor. It is also the
// submitter's Trigger: a trigger only wakes a worker early.
type Dispatcher struct {
	store       store.DispatchStore
	processor   JobProcessor
	interval    time.Duration
	concurrency int

	kick    chan struct{}
	running atomic.Bool
}

func NewDispatcher(st store.DispatchStore, processor JobProcessor, interval time.Duration, concurrency int) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Dispatcher{
		store:       st,
		processor:   processor,
		interval:    interval,
		concurrency: concurrency,
		kick:        make(chan struct{}, 1),
	}
}

// Trigger wakes one worker. It never blocks; a kick already queued covers this job too.
func (d *Dispatcher) Trigger(_ uuid.UUID) error {
	if !d.running.Load() {
		return ErrDispatcherStopped
	}
	select {
	case d.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run starts the workers and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.running.Store(true)
	defer d.running.Store(false)

	slog.Info("dispatcher started", "concurrency", d.concurrency, "interval", d.interval.String())

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			d.loop(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	slog.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.kick:
			d.Drain(ctx, workerID)
		case <-ticker.C:
			d.Drain(ctx, workerID)
		}
	}
}

// Drain processes outbox entries until the outbox is empty or ctx is done.
// Returns the number of entries taken.
func (d *Dispatcher) Drain(ctx context.Context, workerID int) int {
	n := 0
	for ctx.Err() == nil {
		jobID, ok, err := d.store.ClaimDispatch(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("claim dispatch failed", "worker_id", workerID, "error", err)
			}
			return n
		}
		if !ok {
			return n
		}
		n++
		d.dispatch(ctx, workerID, jobID)
	}
	return n
}

func (d *Dispatcher) dispatch(ctx context.Context, workerID int, jobID uuid.UUID) {
	defer func() {
		if r := recover(); r != nil {
			// The job stays processing; the sweeper will pick it up.
			slog.Error("panic while processing job", "worker_id", workerID, "job_id", jobID, "error", fmt.Sprint(r))
		}
	}()

	res, err := d.processor.Process(ctx, jobID)
	if err != nil {
		slog.Warn("dispatch failed", "worker_id", workerID, "job_id", jobID, "error", err)
		return
	}
	if !res.Claimed {
		slog.Debug("dispatch skipped: job not pending", "worker_id", workerID, "job_id", jobID, "status", res.Status)
	}
}
