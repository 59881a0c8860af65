package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"golang.org/x/time/rate"
)

// JobProcessor runs one specific job. Implemented by Processor.
type JobProcessor interface {
	Process(ctx context.Context, jobID uuid.UUID) (*ProcessResult, error)
}

type ReprocessReport struct {
	TotalJobs             int          `json:"totalJobs"`
	ProcessedSuccessfully int          `json:"processedSuccessfully"`
	Results               []JobOutcome `json:"results"`
}

// Reprocessor is the operator's bulk drain: reset stuck jobs, then run every
// outstanding job one at a time with a pause between them.
type Reprocessor struct {
	store     store.JobStore
	sweeper   *Sweeper
	processor JobProcessor
	staleness time.Duration
	delay     time.Duration
}

func NewReprocessor(st store.JobStore, sweeper *Sweeper, processor JobProcessor, staleness, delay time.Duration) *Reprocessor {
	return &Reprocessor{store: st, sweeper: sweeper, processor: processor, staleness: staleness, delay: delay}
}

// Reprocess never aborts the batch on a single job's failure. It stops early only
// when ctx is cancelled, returning the partial report with ctx's error.
func (r *Reprocessor) Reprocess(ctx context.Context) (*ReprocessReport, error) {
	outstanding, err := r.store.ListJobs(ctx, store.JobFilter{
		Statuses: []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing},
		Limit:    sweepBatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list outstanding jobs: %v", ErrStore, err)
	}

	if _, err := r.sweeper.Sweep(ctx, r.staleness); err != nil {
		slog.Warn("reprocess: sweep failed, continuing with pending jobs", "error", err)
	}

	// Burst of one: the first job runs immediately, each later one waits out the delay.
	limiter := rate.NewLimiter(rate.Every(r.delay), 1)

	report := &ReprocessReport{TotalJobs: len(outstanding), Results: make([]JobOutcome, 0, len(outstanding))}
	slog.Info("reprocess started", "jobs", len(outstanding))

	for _, job := range outstanding {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}

		out := r.processOne(ctx, job.ID)
		if out.Status == models.JobStatusCompleted && out.Error == "" {
			report.ProcessedSuccessfully++
		}
		report.Results = append(report.Results, out)
	}

	slog.Info("reprocess finished",
		"jobs", report.TotalJobs,
		"completed", report.ProcessedSuccessfully,
	)
	return report, nil
}

func (r *Reprocessor) processOne(ctx context.Context, jobID uuid.UUID) JobOutcome {
	res, err := r.processor.Process(ctx, jobID)
	if err != nil {
		slog.Warn("reprocess: job failed to run", "job_id", jobID, "error", err)
		return JobOutcome{JobID: jobID, Status: models.JobStatusProcessing, Error: err.Error()}
	}
	out := JobOutcome{JobID: jobID, Status: res.Status}
	if res.Failure != nil {
		out.Error = res.Failure.Message
	}
	return out
}
