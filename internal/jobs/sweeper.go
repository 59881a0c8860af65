package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"go.opentelemetry.io/otel/attribute"
)

const sweepBatchSize = 500

type SweeperStore interface {
	store.JobStore
	store.DispatchStore
}

// JobOutcome is one line of a sweep or reprocess summary.
type JobOutcome struct {
	JobID  uuid.UUID        `json:"jobId"`
	Status models.JobStatus `json:"status"`
	Error  string           `json:"error,omitempty"`
}

// SweepReport summarises one sweep. ProcessedSuccessfully counts jobs the sweep
// actually moved; jobs that finished concurrently are reported with their current status.
type SweepReport struct {
	TotalJobs             int          `json:"totalJobs"`
	ProcessedSuccessfully int          `json:"processedSuccessfully"`
	Results               []JobOutcome `json:"results"`
	Redispatched          int          `json:"redispatched"`
}

// Sweeper recovers jobs whose processor died or hung. A stale job is requeued until
// it has been claimed maxAttempts times, then failed.
type Sweeper struct {
	store       SweeperStore
	maxAttempts int
	now         func() time.Time
}

func NewSweeper(st SweeperStore, maxAttempts int) *Sweeper {
	return &Sweeper{store: st, maxAttempts: maxAttempts, now: time.Now}
}

// Sweep handles processing jobs with no claim or heartbeat newer than staleness, then
// re-enqueues pending jobs of the same age that lost their outbox row.
func (s *Sweeper) Sweep(ctx context.Context, staleness time.Duration) (*SweepReport, error) {
	ctx, span := tracer.Start(ctx, "jobs.sweep")
	defer span.End()

	cutoff := s.now().Add(-staleness)
	stale, err := s.store.ListJobs(ctx, store.JobFilter{
		Statuses:    []models.JobStatus{models.JobStatusProcessing},
		StaleBefore: cutoff,
		Limit:       sweepBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list stale jobs: %v", ErrStore, err)
	}

	report := &SweepReport{TotalJobs: len(stale), Results: make([]JobOutcome, 0, len(stale))}
	for _, job := range stale {
		out, moved := s.recoverJob(ctx, job, cutoff)
		if moved {
			report.ProcessedSuccessfully++
		}
		report.Results = append(report.Results, out)
	}

	n, err := s.store.EnqueueOrphanedPending(ctx, cutoff)
	if err != nil {
		slog.Warn("failed to re-enqueue orphaned pending jobs", "error", err)
	}
	report.Redispatched = n

	span.SetAttributes(
		attribute.Int("sweep.stale", report.TotalJobs),
		attribute.Int("sweep.recovered", report.ProcessedSuccessfully),
		attribute.Int("sweep.redispatched", n),
	)
	if report.TotalJobs > 0 || n > 0 {
		slog.Info("sweep finished",
			"stale", report.TotalJobs,
			"recovered", report.ProcessedSuccessfully,
			"redispatched", n,
		)
	}
	return report, nil
}

func (s *Sweeper) recoverJob(ctx context.Context, job *models.Job, cutoff time.Time) (JobOutcome, bool) {
	fence := []store.JobUpdateOption{store.WithAttempt(job.Attempts), store.WithStaleBefore(cutoff)}

	target := models.JobStatusPending
	opts := fence
	if job.Attempts >= s.maxAttempts {
		target = models.JobStatusFailed
		msg := fmt.Sprintf("job stuck in processing; gave up after %d attempts", job.Attempts)
		opts = append([]store.JobUpdateOption{store.WithFailure(msg, true)}, fence...)
	}

	err := s.store.UpdateJobStatus(ctx, job.ID, target, opts...)
	switch {
	case errors.Is(err, store.ErrConflict):
		// Finished or re-claimed since we listed it.
		current, gerr := s.store.GetJobByID(ctx, job.ID)
		if gerr != nil {
			return JobOutcome{JobID: job.ID, Status: models.JobStatusProcessing, Error: "job changed during sweep"}, false
		}
		return JobOutcome{JobID: job.ID, Status: current.Status()}, false
	case errors.Is(err, store.ErrNotFound):
		return JobOutcome{JobID: job.ID, Status: job.Status(), Error: "job no longer exists"}, false
	case err != nil:
		slog.Error("failed to recover stale job", "job_id", job.ID, "error", err)
		return JobOutcome{JobID: job.ID, Status: job.Status(), Error: err.Error()}, false
	}

	if target == models.JobStatusPending {
		if err := s.store.EnqueueDispatch(ctx, job.ID); err != nil {
			slog.Warn("failed to enqueue requeued job", "job_id", job.ID, "error", err)
		}
		slog.Info("stale job requeued", "job_id", job.ID, "attempt", job.Attempts)
	} else {
		slog.Warn("stale job failed after max attempts", "job_id", job.ID, "attempts", job.Attempts)
	}
	return JobOutcome{JobID: job.ID, Status: target}, true
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval, staleness time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("sweeper started", "interval", interval.String(), "staleness", staleness.String())
	for {
		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx, staleness); err != nil && ctx.Err() == nil {
				slog.Warn("sweep failed", "error", err)
			}
		}
	}
}
