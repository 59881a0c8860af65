package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the persisted lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition may leave this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// ContentType is the source kind of a job's input payload.
type ContentType string

const (
	ContentTypeText ContentType = "text"
	ContentTypeURL  ContentType = "url"
)

// Valid reports whether c is a recognized content type.
func (c ContentType) Valid() bool {
	return c == ContentTypeText || c == ContentTypeURL
}

// Outcome is the state of a job as a closed set of variants: Pending, Processing,
// Completed or Failed. A job carries exactly one, so a result and an error can never
// coexist.
type Outcome interface {
	Status() JobStatus
	isOutcome()
}

// Pending is a job waiting to be claimed.
type Pending struct{}

// Processing is a job held by one processor invocation.
type Processing struct {
	StartedAt time.Time
}

// Completed is a job whose course was generated and stored.
type Completed struct {
	Result JobResult
}

// Failed is a job that ended without a course.
type Failed struct {
	Message   string
	Retryable bool
}

func (Pending) Status() JobStatus    { return JobStatusPending }
func (Processing) Status() JobStatus { return JobStatusProcessing }
func (Completed) Status() JobStatus  { return JobStatusCompleted }
func (Failed) Status() JobStatus     { return JobStatusFailed }

func (Pending) isOutcome()    {}
func (Processing) isOutcome() {}
func (Completed) isOutcome()  {}
func (Failed) isOutcome()     {}

// JobResult references the produced course and carries enough summary for polling clients.
type JobResult struct {
	CourseID    uuid.UUID `json:"courseId"`
	Title       string    `json:"title"`
	ModuleCount int       `json:"moduleCount"`
}

// Job tracks one course-generation request from submission to a terminal state.
// The API returns the job id on POST /api/v1/jobs; the client polls
// GET /api/v1/jobs/{jobID} until status is completed or failed.
type Job struct {
	ID           uuid.UUID
	OwnerID      uuid.UUID
	InputContent string
	ContentType  ContentType
	Regenerate   bool
	// Attempts counts claims. Writes made on behalf of a claim are fenced on it.
	Attempts    int
	State       Outcome
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
	// HeartbeatAt is the last liveness mark of the current claim, nil until the first one.
	HeartbeatAt *time.Time
}

// Status returns the status of the job's current outcome.
func (j *Job) Status() JobStatus {
	if j.State == nil {
		return JobStatusPending
	}
	return j.State.Status()
}

// OutcomeColumns is the nullable column form of an outcome as stored in the jobs table.
type OutcomeColumns struct {
	Status            JobStatus
	StartedAt         *time.Time
	ResultCourseID    *uuid.UUID
	ResultTitle       *string
	ResultModuleCount *int
	ErrorMessage      *string
	Retryable         *bool
}

// OutcomeFromColumns rebuilds the outcome variant from row columns, rejecting rows that
// violate the result-xor-error invariant.
func OutcomeFromColumns(c OutcomeColumns) (Outcome, error) {
	hasResult := c.ResultCourseID != nil
	hasError := c.ErrorMessage != nil

	switch c.Status {
	case JobStatusPending:
		if hasResult || hasError {
			return nil, fmt.Errorf("pending job carries a terminal payload")
		}
		return Pending{}, nil
	case JobStatusProcessing:
		if hasResult || hasError {
			return nil, fmt.Errorf("processing job carries a terminal payload")
		}
		if c.StartedAt == nil {
			return nil, fmt.Errorf("processing job without started_at")
		}
		return Processing{StartedAt: *c.StartedAt}, nil
	case JobStatusCompleted:
		if !hasResult || hasError {
			return nil, fmt.Errorf("completed job must carry a result and no error")
		}
		r := JobResult{CourseID: *c.ResultCourseID}
		if c.ResultTitle != nil {
			r.Title = *c.ResultTitle
		}
		if c.ResultModuleCount != nil {
			r.ModuleCount = *c.ResultModuleCount
		}
		return Completed{Result: r}, nil
	case JobStatusFailed:
		if !hasError || hasResult {
			return nil, fmt.Errorf("failed job must carry an error and no result")
		}
		f := Failed{Message: *c.ErrorMessage}
		if c.Retryable != nil {
			f.Retryable = *c.Retryable
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown job status %q", c.Status)
	}
}
