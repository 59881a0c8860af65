package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/generation"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/kiranshivaraju/coursegen/internal/jobs")

// ProcessorStore is the subset of store.Store the processor writes through.
type ProcessorStore interface {
	store.JobStore
	store.CourseStore
	store.DispatchStore
}

// UsageRecorder counts completed generations. Implemented by quota.Service.
type UsageRecorder interface {
	Record(ctx context.Context, ownerID uuid.UUID, regenerate bool) error
}

type ProcessorConfig struct {
	// Timeout is the hard wall-clock deadline for one generation call.
	Timeout time.Duration
	// PersistTimeout bounds the course insert and the terminal status write.
	PersistTimeout time.Duration
	// HeartbeatInterval is how often a live claim is marked alive. Zero disables it.
	HeartbeatInterval time.Duration
}

// ProcessResult describes what one invocation did. Claimed is false when there was
// nothing to claim or another invocation won the claim.
type ProcessResult struct {
	Claimed  bool
	JobID    uuid.UUID
	Status   models.JobStatus
	Failure  *Failure
	Duration time.Duration
}

// Processor advances exactly one job per invocation: claim, generate, persist, finish.
type Processor struct {
	store  ProcessorStore
	engine models.GenerationEngine
	usage  UsageRecorder
	cfg    ProcessorConfig
	now    func() time.Time
}

func NewProcessor(st ProcessorStore, engine models.GenerationEngine, usage UsageRecorder, cfg ProcessorConfig) *Processor {
	return &Processor{store: st, engine: engine, usage: usage, cfg: cfg, now: time.Now}
}

// ProcessOne claims the oldest pending job and runs it.
func (p *Processor) ProcessOne(ctx context.Context) (*ProcessResult, error) {
	job, err := p.store.ClaimNextPendingJob(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: claim next job: %v", ErrStore, err)
	}
	if job == nil {
		return &ProcessResult{Claimed: false}, nil
	}
	return p.run(ctx, job)
}

// Process claims the given job if it is still pending and runs it. Losing the claim
// is not an error; the result then reports the job's current status.
func (p *Processor) Process(ctx context.Context, jobID uuid.UUID) (*ProcessResult, error) {
	job, err := p.store.ClaimJob(ctx, jobID)
	switch {
	case errors.Is(err, store.ErrConflict):
		return p.unclaimed(ctx, jobID)
	case errors.Is(err, store.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: claim job: %v", ErrStore, err)
	}
	return p.run(ctx, job)
}

func (p *Processor) unclaimed(ctx context.Context, jobID uuid.UUID) (*ProcessResult, error) {
	res := &ProcessResult{Claimed: false, JobID: jobID}
	job, err := p.store.GetJobByID(ctx, jobID)
	if err != nil {
		return res, nil
	}
	res.Status = job.Status()
	if f, ok := job.State.(models.Failed); ok {
		res.Failure = &Failure{Message: f.Message, Retryable: f.Retryable}
	}
	return res, nil
}

func (p *Processor) run(ctx context.Context, job *models.Job) (*ProcessResult, error) {
	ctx, span := tracer.Start(ctx, "jobs.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID.String()),
		attribute.Int("job.attempt", job.Attempts),
	)

	start := p.now()
	slog.Info("job claimed",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"attempt", job.Attempts,
	)

	stopHeartbeat := p.heartbeat(ctx, job)
	defer stopHeartbeat()

	gen, err := p.generate(ctx, job)
	if err != nil {
		stopHeartbeat()
		if ctx.Err() != nil && !errors.Is(err, generation.ErrTimeout) {
			return p.release(ctx, job, start)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		return p.fail(ctx, job, err, start)
	}

	course, err := p.persist(ctx, job, gen)
	stopHeartbeat()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return p.fail(ctx, job, fmt.Errorf("%w: %v", ErrPersistence, err), start)
	}

	return p.complete(ctx, job, course, start)
}

// heartbeat marks the claim alive every HeartbeatInterval until the returned stop
// function is called or the claim is lost.
func (p *Processor) heartbeat(ctx context.Context, job *models.Job) (stop func()) {
	if p.cfg.HeartbeatInterval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			err := p.store.Heartbeat(ctx, job.ID, job.Attempts)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrNotFound):
				slog.Info("heartbeat stopped: job moved on", "job_id", job.ID, "attempt", job.Attempts)
				return
			case ctx.Err() == nil:
				slog.Warn("heartbeat failed", "job_id", job.ID, "error", err)
			}
		}
	}()

	return sync.OnceFunc(func() {
		cancel()
		<-done
	})
}

// generate races the engine against the hard timeout. On timeout the in-flight call
// is abandoned and its eventual result discarded.
func (p *Processor) generate(ctx context.Context, job *models.Job) (*models.GeneratedCourse, error) {
	ctx, span := tracer.Start(ctx, "generation.generate")
	defer span.End()
	span.SetAttributes(attribute.String("generation.engine", p.engine.Name()))

	genCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	type outcome struct {
		course *models.GeneratedCourse
		err    error
	}
	done := make(chan outcome, 1)

	req := models.GenerationRequest{
		OwnerID:     job.OwnerID,
		Content:     job.InputContent,
		ContentType: job.ContentType,
		Regenerate:  job.Regenerate,
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in generation engine", "error", r, "job_id", job.ID)
				done <- outcome{err: fmt.Errorf("%w: %v", ErrEnginePanic, r)}
			}
		}()
		c, err := p.engine.Generate(genCtx, req)
		done <- outcome{course: c, err: err}
	}()

	timedOut := func() error {
		return generation.NewError(generation.ErrTimeout, fmt.Errorf("no result after %s", p.cfg.Timeout))
	}

	select {
	case o := <-done:
		if o.err != nil {
			if errors.Is(genCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, timedOut()
			}
			return nil, o.err
		}
		if o.course == nil || len(o.course.Modules) == 0 {
			return nil, generation.NewError(generation.ErrMalformedOutput, errors.New("engine returned an empty course"))
		}
		return o.course, nil
	case <-genCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, timedOut()
	}
}

func (p *Processor) persist(ctx context.Context, job *models.Job, gen *models.GeneratedCourse) (*models.Course, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	course := &models.Course{
		ID:          uuid.New(),
		OwnerID:     job.OwnerID,
		JobID:       job.ID,
		Title:       gen.Title,
		Description: gen.Description,
		Modules:     gen.Modules,
		CreatedAt:   p.now().UTC(),
	}
	if err := p.store.CreateCourse(writeCtx, course); err != nil {
		return nil, err
	}
	return course, nil
}

func (p *Processor) complete(ctx context.Context, job *models.Job, course *models.Course, start time.Time) (*ProcessResult, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	result := models.JobResult{CourseID: course.ID, Title: course.Title, ModuleCount: len(course.Modules)}
	err := p.store.UpdateJobStatus(writeCtx, job.ID, models.JobStatusCompleted,
		store.WithResult(result), store.WithAttempt(job.Attempts))
	if errors.Is(err, store.ErrConflict) {
		// Another attempt owns the job; nothing will ever point at this course.
		if derr := p.store.DeleteCourse(writeCtx, course.ID); derr != nil {
			slog.Warn("failed to delete orphaned course", "course_id", course.ID, "job_id", job.ID, "error", derr)
		}
		slog.Info("job completion skipped: job moved on", "job_id", job.ID, "attempt", job.Attempts)
		return p.unclaimed(writeCtx, job.ID)
	}
	if err != nil {
		// The update may have committed; keep the course so a completed row never
		// references a deleted one. The sweeper settles the job if it did not.
		return nil, fmt.Errorf("%w: complete job %s: %v", ErrStore, job.ID, err)
	}

	if err := p.usage.Record(writeCtx, job.OwnerID, job.Regenerate); err != nil {
		slog.Warn("failed to record usage", "job_id", job.ID, "owner_id", job.OwnerID, "error", err)
	}

	d := p.now().Sub(start)
	slog.Info("job completed",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"course_id", course.ID,
		"modules", result.ModuleCount,
		"duration_ms", d.Milliseconds(),
	)
	return &ProcessResult{Claimed: true, JobID: job.ID, Status: models.JobStatusCompleted, Duration: d}, nil
}

func (p *Processor) fail(ctx context.Context, job *models.Job, cause error, start time.Time) (*ProcessResult, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	f := Classify(cause)
	err := p.store.UpdateJobStatus(writeCtx, job.ID, models.JobStatusFailed,
		store.WithFailure(f.Message, f.Retryable), store.WithAttempt(job.Attempts))
	if errors.Is(err, store.ErrConflict) {
		slog.Info("job failure skipped: job moved on", "job_id", job.ID, "attempt", job.Attempts)
		return p.unclaimed(writeCtx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fail job %s: %v", ErrStore, job.ID, err)
	}

	d := p.now().Sub(start)
	slog.Info("job failed",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"code", f.Code,
		"retryable", f.Retryable,
		"error", f.Message,
		"duration_ms", d.Milliseconds(),
	)
	return &ProcessResult{Claimed: true, JobID: job.ID, Status: models.JobStatusFailed, Failure: &f, Duration: d}, nil
}

// release hands a job back to pending when the invocation itself is being shut down.
func (p *Processor) release(ctx context.Context, job *models.Job, start time.Time) (*ProcessResult, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	err := p.store.UpdateJobStatus(writeCtx, job.ID, models.JobStatusPending, store.WithAttempt(job.Attempts))
	if errors.Is(err, store.ErrConflict) {
		return p.unclaimed(writeCtx, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: release job %s: %v", ErrStore, job.ID, err)
	}
	if err := p.store.EnqueueDispatch(writeCtx, job.ID); err != nil {
		slog.Warn("failed to re-enqueue released job", "job_id", job.ID, "error", err)
	}

	slog.Info("job released on shutdown", "job_id", job.ID, "duration_ms", p.now().Sub(start).Milliseconds())
	return &ProcessResult{Claimed: true, JobID: job.ID, Status: models.JobStatusPending, Duration: p.now().Sub(start)}, nil
}
