package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

const (
	defaultListLimit = 500
	maxListLimit     = 1000
)

const jobColumns = `id, owner_id, input_content, content_type, regenerate, status, attempts,
	result_course_id, result_title, result_module_count, error_message, retryable,
	created_at, started_at, completed_at, updated_at, heartbeat_at`

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Owners ---

func (s *PostgresStore) EnsureOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error) {
	var o models.Owner
	// The no-op DO UPDATE makes RETURNING yield the existing row on conflict.
	err := s.pool.QueryRow(ctx,
		`INSERT INTO owners (id, plan, created_at, updated_at) VALUES ($1, $2, NOW(), NOW())
		 ON CONFLICT (id) DO UPDATE SET updated_at = owners.updated_at
		 RETURNING id, plan, created_at, updated_at`, id, models.PlanFree,
	).Scan(&o.ID, &o.Plan, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure owner: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) GetOwner(ctx context.Context, id uuid.UUID) (*models.Owner, error) {
	var o models.Owner
	err := s.pool.QueryRow(ctx,
		`SELECT id, plan, created_at, updated_at FROM owners WHERE id = $1`, id,
	).Scan(&o.ID, &o.Plan, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	return &o, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.Status() != models.JobStatusPending {
		return fmt.Errorf("create job: new jobs must be pending, got %s", job.Status())
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, owner_id, input_content, content_type, regenerate, status, attempts, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`,
			job.ID, job.OwnerID, job.InputContent, string(job.ContentType), job.Regenerate,
			string(models.JobStatusPending), job.CreatedAt, job.UpdatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO job_dispatch (job_id) VALUES ($1)`, job.ID)
		return err
	})
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND owner_id = $2`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) GetJobByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by id: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	now := time.Now().UTC()
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, started_at = $3, attempts = attempts + 1, updated_at = $3, heartbeat_at = NULL
		 WHERE id = $1 AND status = $4
		 RETURNING `+jobColumns,
		id, string(models.JobStatusProcessing), now, string(models.JobStatusPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.conflictOrNotFound(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimNextPendingJob(ctx context.Context) (*models.Job, error) {
	now := time.Now().UTC()
	// SKIP LOCKED keeps concurrent claimers from queueing behind the same row;
	// the status predicate on the outer UPDATE makes the claim conditional.
	job, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, started_at = $2, attempts = attempts + 1, updated_at = $2, heartbeat_at = NULL
		 WHERE status = $3 AND id = (
		   SELECT id FROM jobs WHERE status = $3
		   ORDER BY created_at ASC
		   FOR UPDATE SKIP LOCKED
		   LIMIT 1
		 )
		 RETURNING `+jobColumns,
		string(models.JobStatusProcessing), now, string(models.JobStatusPending)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next pending job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	u := ApplyJobUpdateOptions(opts...)
	if err := ValidateUpdate(status, u); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	switch status {
	case models.JobStatusProcessing:
		query += ", started_at = $3, attempts = attempts + 1, heartbeat_at = NULL"
	case models.JobStatusPending:
		query += ", started_at = NULL, heartbeat_at = NULL"
	case models.JobStatusCompleted, models.JobStatusFailed:
		query += ", completed_at = GREATEST($3, started_at)"
	}
	if u.Result != nil {
		query += fmt.Sprintf(", result_course_id = $%d, result_title = $%d, result_module_count = $%d",
			argIdx, argIdx+1, argIdx+2)
		args = append(args, u.Result.CourseID, u.Result.Title, u.Result.ModuleCount)
		argIdx += 3
	}
	if u.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d, retryable = $%d", argIdx, argIdx+1)
		args = append(args, *u.ErrorMessage, u.Retryable)
		argIdx += 2
	}

	sources := make([]string, 0, 1)
	for _, src := range ValidSources(status) {
		sources = append(sources, string(src))
	}
	query += fmt.Sprintf(" WHERE id = $1 AND status = ANY($%d)", argIdx)
	args = append(args, sources)
	argIdx++

	if u.Attempt != nil {
		query += fmt.Sprintf(" AND attempts = $%d", argIdx)
		args = append(args, *u.Attempt)
		argIdx++
	}
	if u.StaleBefore != nil {
		query += fmt.Sprintf(" AND COALESCE(heartbeat_at, started_at) < $%d", argIdx)
		args = append(args, *u.StaleBefore)
		argIdx++
	}

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id uuid.UUID, attempt int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET heartbeat_at = $2 WHERE id = $1 AND status = $3 AND attempts = $4`,
		id, time.Now().UTC(), string(models.JobStatusProcessing), attempt)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	argIdx := 1

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statuses)
		argIdx++
	}
	if !filter.StaleBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("COALESCE(heartbeat_at, started_at) < $%d", argIdx))
		args = append(args, filter.StaleBefore)
		argIdx++
	}
	if !filter.CreatedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, filter.CreatedBefore)
		argIdx++
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := fmt.Sprintf(`SELECT %s FROM jobs WHERE %s ORDER BY created_at ASC LIMIT $%d`,
		jobColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// conflictOrNotFound distinguishes a failed precondition from a missing row.
func (s *PostgresStore) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// --- Dispatch outbox ---

func (s *PostgresStore) EnqueueDispatch(ctx context.Context, jobID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO job_dispatch (job_id) VALUES ($1)`, jobID)
	if err != nil {
		return fmt.Errorf("enqueue dispatch: %w", err)
	}
	return nil
}

func (s *PostgresStore) ClaimDispatch(ctx context.Context) (uuid.UUID, bool, error) {
	var jobID uuid.UUID
	err := s.pool.QueryRow(ctx,
		`DELETE FROM job_dispatch WHERE id = (
		   SELECT id FROM job_dispatch ORDER BY id ASC FOR UPDATE SKIP LOCKED LIMIT 1
		 )
		 RETURNING job_id`,
	).Scan(&jobID)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("claim dispatch: %w", err)
	}
	return jobID, true, nil
}

func (s *PostgresStore) EnqueueOrphanedPending(ctx context.Context, createdBefore time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO job_dispatch (job_id)
		 SELECT j.id FROM jobs j
		 WHERE j.status = $1 AND j.created_at < $2
		   AND NOT EXISTS (SELECT 1 FROM job_dispatch d WHERE d.job_id = j.id)`,
		string(models.JobStatusPending), createdBefore)
	if err != nil {
		return 0, fmt.Errorf("enqueue orphaned pending: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Courses ---

func (s *PostgresStore) CreateCourse(ctx context.Context, course *models.Course) error {
	modules, err := json.Marshal(course.Modules)
	if err != nil {
		return fmt.Errorf("encode course modules: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO courses (id, owner_id, job_id, title, description, modules, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		course.ID, course.OwnerID, course.JobID, course.Title, course.Description, modules, course.CreatedAt)
	if err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCourse(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Course, error) {
	var c models.Course
	var modules []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, job_id, title, description, modules, created_at
		 FROM courses WHERE id = $1 AND owner_id = $2`, id, ownerID,
	).Scan(&c.ID, &c.OwnerID, &c.JobID, &c.Title, &c.Description, &modules, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	if err := json.Unmarshal(modules, &c.Modules); err != nil {
		return nil, fmt.Errorf("decode course modules: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteCourse(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM courses WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete course: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Usage ---

func (s *PostgresStore) GetUsage(ctx context.Context, ownerID uuid.UUID, period time.Time) (*models.Usage, error) {
	u := models.Usage{OwnerID: ownerID, Period: period}
	err := s.pool.QueryRow(ctx,
		`SELECT generations, regenerations FROM usage_counters WHERE owner_id = $1 AND period = $2`,
		ownerID, period,
	).Scan(&u.Generations, &u.Regenerations)
	if errors.Is(err, pgx.ErrNoRows) {
		return &u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) IncrementUsage(ctx context.Context, ownerID uuid.UUID, period time.Time, regenerate bool) error {
	gen, regen := 1, 0
	if regenerate {
		gen, regen = 0, 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_counters (owner_id, period, generations, regenerations)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner_id, period) DO UPDATE SET
		   generations = usage_counters.generations + EXCLUDED.generations,
		   regenerations = usage_counters.regenerations + EXCLUDED.regenerations`,
		ownerID, period, gen, regen)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountOutstandingJobs(ctx context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM jobs
		 WHERE owner_id = $1 AND NOT regenerate AND status IN ($2, $3) AND created_at >= $4`,
		ownerID, string(models.JobStatusPending), string(models.JobStatusProcessing), since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding jobs: %w", err)
	}
	return n, nil
}

// scanJob reads one row selected with jobColumns.
func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j           models.Job
		contentType string
		cols        models.OutcomeColumns
		status      string
	)
	if err := row.Scan(&j.ID, &j.OwnerID, &j.InputContent, &contentType, &j.Regenerate, &status, &j.Attempts,
		&cols.ResultCourseID, &cols.ResultTitle, &cols.ResultModuleCount, &cols.ErrorMessage, &cols.Retryable,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt, &j.HeartbeatAt); err != nil {
		return nil, err
	}
	j.ContentType = models.ContentType(contentType)
	cols.Status = models.JobStatus(status)
	cols.StartedAt = j.StartedAt

	state, err := models.OutcomeFromColumns(cols)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.State = state
	return &j, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
