package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/cache"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

const terminalViewTTL = 30 * time.Minute

// StatusView is what a polling client sees for one job.
type StatusView struct {
	JobID                uuid.UUID         `json:"jobId"`
	Status               models.JobStatus  `json:"status"`
	CreatedAt            time.Time         `json:"createdAt"`
	StartedAt            *time.Time        `json:"startedAt,omitempty"`
	CompletedAt          *time.Time        `json:"completedAt,omitempty"`
	EstimatedRemainingMs *int64            `json:"estimatedRemainingMs,omitempty"`
	Result               *models.JobResult `json:"result,omitempty"`
	Error                *StatusError      `json:"error,omitempty"`
}

type StatusError struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// ReporterStore is the read side the status reporter needs.
type ReporterStore interface {
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	GetCourse(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Course, error)
}

type EstimateConfig struct {
	Pending    time.Duration
	Processing time.Duration
}

// Reporter answers status polls. Terminal views never change, so they are cached.
type Reporter struct {
	store    ReporterStore
	cache    cache.Cache
	estimate EstimateConfig
	now      func() time.Time
}

func NewReporter(st ReporterStore, c cache.Cache, estimate EstimateConfig) *Reporter {
	return &Reporter{store: st, cache: c, estimate: estimate, now: time.Now}
}

// GetStatus returns ErrNotFound both for unknown jobs and for jobs owned by someone else.
func (r *Reporter) GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*StatusView, error) {
	key := cache.JobViewKey(ownerID, jobID)
	if data, found, err := r.cache.Get(ctx, key); err != nil {
		slog.Warn("status cache read failed", "job_id", jobID, "error", err)
	} else if found {
		var view StatusView
		if err := json.Unmarshal(data, &view); err == nil {
			return &view, nil
		}
	}

	job, err := r.store.GetJob(ctx, jobID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get job: %v", ErrStore, err)
	}

	view := r.viewOf(job)
	if view.Status.IsTerminal() {
		if data, err := json.Marshal(view); err == nil {
			if err := r.cache.Set(ctx, key, data, terminalViewTTL); err != nil {
				slog.Warn("status cache write failed", "job_id", jobID, "error", err)
			}
		}
	}
	return view, nil
}

func (r *Reporter) viewOf(job *models.Job) *StatusView {
	view := &StatusView{
		JobID:       job.ID,
		Status:      job.Status(),
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	}

	switch s := job.State.(type) {
	case models.Pending:
		view.EstimatedRemainingMs = remaining(r.estimate.Pending, r.now().Sub(job.CreatedAt))
	case models.Processing:
		view.EstimatedRemainingMs = remaining(r.estimate.Processing, r.now().Sub(s.StartedAt))
	case models.Completed:
		result := s.Result
		view.Result = &result
	case models.Failed:
		view.Error = &StatusError{Message: s.Message, Retryable: s.Retryable}
	}
	return view
}

// remaining is the nominal phase duration minus elapsed time, floored at zero.
func remaining(nominal, elapsed time.Duration) *int64 {
	ms := (nominal - elapsed).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// GetCourse returns the full artifact referenced by a completed job.
func (r *Reporter) GetCourse(ctx context.Context, courseID, ownerID uuid.UUID) (*models.Course, error) {
	course, err := r.store.GetCourse(ctx, courseID, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get course: %v", ErrStore, err)
	}
	return course, nil
}
