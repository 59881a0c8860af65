package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned by conditional writes whose precondition no longer holds,
// e.g. the job was claimed or finished by another invocation first.
var ErrConflict = errors.New("conditional update conflict")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	OwnerStore
	APIKeyStore
	JobStore
	DispatchStore
	CourseStore
	UsageStore
}

type OwnerStore interface {
	// EnsureOwner returns the owner, creating it on first use with the free plan.
	EnsureOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error)
	GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error)
}

type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// JobStore is CRUD over job rows. Reads that cross a trust boundary go through GetJob,
// which filters by owner; processors and the sweeper use the unrestricted methods.
type JobStore interface {
	// CreateJob inserts a pending job and its dispatch outbox row in one transaction.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error)
	GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ClaimJob moves one specific pending job to processing. ErrConflict if it is not pending.
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	// ClaimNextPendingJob claims the oldest pending job. Returns nil, nil when none is available.
	ClaimNextPendingJob(ctx context.Context) (*models.Job, error)
	// UpdateJobStatus applies a conditional transition. ErrConflict when the current row
	// is not in a legal source state or the fence options do not match.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
	// Heartbeat marks the claim identified by attempt as alive. ErrConflict once the job
	// has left processing or been claimed again.
	Heartbeat(ctx context.Context, id uuid.UUID, attempt int) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
}

// DispatchStore is the outbox drained by the dispatcher.
type DispatchStore interface {
	EnqueueDispatch(ctx context.Context, jobID uuid.UUID) error
	// ClaimDispatch removes and returns one outbox entry. ok is false when the outbox is empty.
	ClaimDispatch(ctx context.Context) (jobID uuid.UUID, ok bool, err error)
	// EnqueueOrphanedPending adds outbox rows for pending jobs created before the cutoff
	// that have none. Returns the number of rows added.
	EnqueueOrphanedPending(ctx context.Context, createdBefore time.Time) (int, error)
}

type CourseStore interface {
	CreateCourse(ctx context.Context, course *models.Course) error
	GetCourse(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Course, error)
	DeleteCourse(ctx context.Context, id uuid.UUID) error
}

type UsageStore interface {
	GetUsage(ctx context.Context, ownerID uuid.UUID, period time.Time) (*models.Usage, error)
	IncrementUsage(ctx context.Context, ownerID uuid.UUID, period time.Time, regenerate bool) error
	// CountOutstandingJobs counts the owner's pending or processing fresh (non-regenerate)
	// jobs created at or after since.
	CountOutstandingJobs(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error)
}

// JobFilter selects jobs for recovery and reprocessing. Zero fields are ignored.
type JobFilter struct {
	Statuses      []models.JobStatus
	// StaleBefore matches jobs whose started_at and last heartbeat are both older than t.
	StaleBefore   time.Time
	CreatedBefore time.Time
	Limit         int
}

type jobUpdateParams struct {
	Attempt      *int
	StaleBefore  *time.Time
	Result       *models.JobResult
	ErrorMessage *string
	Retryable    bool
}

type JobUpdateOption func(*jobUpdateParams)

// WithAttempt fences the write on the attempt number captured at claim time.
func WithAttempt(n int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Attempt = &n
	}
}

// WithStaleBefore only matches jobs whose started_at and last heartbeat are both older than t.
func WithStaleBefore(t time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.StaleBefore = &t
	}
}

func WithResult(r models.JobResult) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Result = &r
	}
}

func WithFailure(msg string, retryable bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
		p.Retryable = retryable
	}
}

// ApplyJobUpdateOptions resolves options for Store implementations outside this package.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	p := &jobUpdateParams{}
	for _, opt := range opts {
		opt(p)
	}
	return JobUpdate{
		Attempt:      p.Attempt,
		StaleBefore:  p.StaleBefore,
		Result:       p.Result,
		ErrorMessage: p.ErrorMessage,
		Retryable:    p.Retryable,
	}
}

// JobUpdate is the resolved form of a set of JobUpdateOptions.
type JobUpdate struct {
	Attempt      *int
	StaleBefore  *time.Time
	Result       *models.JobResult
	ErrorMessage *string
	Retryable    bool
}

// validSources lists, for each target status, the statuses a job may move from.
// processing -> pending is only used by recovery.
var validSources = map[models.JobStatus][]models.JobStatus{
	models.JobStatusProcessing: {models.JobStatusPending},
	models.JobStatusCompleted:  {models.JobStatusProcessing},
	models.JobStatusFailed:     {models.JobStatusProcessing},
	models.JobStatusPending:    {models.JobStatusProcessing},
}

// ValidSources returns the statuses from which a job may transition to target.
func ValidSources(target models.JobStatus) []models.JobStatus {
	return validSources[target]
}

// ValidateUpdate checks that the options required by target are present.
func ValidateUpdate(target models.JobStatus, u JobUpdate) error {
	if _, ok := validSources[target]; !ok {
		return errors.New("invalid target status " + string(target))
	}
	switch target {
	case models.JobStatusCompleted:
		if u.Result == nil || u.ErrorMessage != nil {
			return errors.New("completed transition requires a result and no error")
		}
	case models.JobStatusFailed:
		if u.ErrorMessage == nil || u.Result != nil {
			return errors.New("failed transition requires an error message and no result")
		}
	default:
		if u.Result != nil || u.ErrorMessage != nil {
			return errors.New("non-terminal transition cannot carry a result or error")
		}
	}
	return nil
}
