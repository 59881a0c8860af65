package jobs

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"github.com/stretchr/testify/require"
)

// --- memStore: in-memory store.Store with the same conditional semantics as Postgres ---

type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	owners  map[uuid.UUID]*models.Owner
	jobs    map[uuid.UUID]*models.Job
	courses map[uuid.UUID]*models.Course
	outbox  []uuid.UUID
	usage   map[uuid.UUID]*models.Usage

	createJobErr    error
	createCourseErr error
	terminalErr     error
	// lostTerminalErr is returned after a terminal write has been applied.
	lostTerminalErr error
	listErr         error
	getErr          error
	claims          int
	heartbeats      int

	// afterList runs once after ListJobs returns, outside the lock.
	afterList func()
}

var _ store.Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		now:     time.Now,
		owners:  make(map[uuid.UUID]*models.Owner),
		jobs:    make(map[uuid.UUID]*models.Job),
		courses: make(map[uuid.UUID]*models.Course),
		usage:   make(map[uuid.UUID]*models.Usage),
	}
}

func copyJob(j *models.Job) *models.Job {
	cp := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	if j.HeartbeatAt != nil {
		t := *j.HeartbeatAt
		cp.HeartbeatAt = &t
	}
	return &cp
}

func (m *memStore) Ping(_ context.Context) error { return nil }

func (m *memStore) EnsureOwner(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.owners[id]; ok {
		return o, nil
	}
	o := &models.Owner{ID: id, Plan: models.PlanFree, CreatedAt: m.now(), UpdatedAt: m.now()}
	m.owners[id] = o
	return o, nil
}

func (m *memStore) GetOwner(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.owners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (m *memStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (m *memStore) CreateAPIKey(_ context.Context, _ *models.APIKey) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	if m.createJobErr != nil {
		return m.createJobErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	m.jobs[job.ID] = copyJob(job)
	m.outbox = append(m.outbox, job.ID)
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Job, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memStore) GetJobByID(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (m *memStore) ClaimJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status() != models.JobStatusPending {
		return nil, store.ErrConflict
	}
	m.claimLocked(j)
	return copyJob(j), nil
}

func (m *memStore) ClaimNextPendingJob(_ context.Context) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest *models.Job
	for _, j := range m.jobs {
		if j.Status() != models.JobStatusPending {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	m.claimLocked(oldest)
	return copyJob(oldest), nil
}

func (m *memStore) claimLocked(j *models.Job) {
	t := m.now().UTC()
	j.StartedAt = &t
	j.Attempts++
	j.HeartbeatAt = nil
	j.State = models.Processing{StartedAt: t}
	j.UpdatedAt = t
	m.claims++
}

func (m *memStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error {
	u := store.ApplyJobUpdateOptions(opts...)
	if err := store.ValidateUpdate(status, u); err != nil {
		return err
	}
	if status.IsTerminal() && m.terminalErr != nil {
		return m.terminalErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if !slices.Contains(store.ValidSources(status), j.Status()) {
		return store.ErrConflict
	}
	if u.Attempt != nil && *u.Attempt != j.Attempts {
		return store.ErrConflict
	}
	if u.StaleBefore != nil && !staleBefore(j, *u.StaleBefore) {
		return store.ErrConflict
	}

	t := m.now().UTC()
	switch status {
	case models.JobStatusProcessing:
		m.claimLocked(j)
	case models.JobStatusPending:
		j.StartedAt = nil
		j.HeartbeatAt = nil
		j.State = models.Pending{}
	case models.JobStatusCompleted:
		j.CompletedAt = &t
		j.State = models.Completed{Result: *u.Result}
	case models.JobStatusFailed:
		j.CompletedAt = &t
		j.State = models.Failed{Message: *u.ErrorMessage, Retryable: u.Retryable}
	}
	j.UpdatedAt = t
	if status.IsTerminal() {
		return m.lostTerminalErr
	}
	return nil
}

func (m *memStore) Heartbeat(_ context.Context, id uuid.UUID, attempt int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status() != models.JobStatusProcessing || j.Attempts != attempt {
		return store.ErrConflict
	}
	t := m.now().UTC()
	j.HeartbeatAt = &t
	m.heartbeats++
	return nil
}

// staleBefore mirrors COALESCE(heartbeat_at, started_at) < t.
func staleBefore(j *models.Job, t time.Time) bool {
	last := j.StartedAt
	if j.HeartbeatAt != nil {
		last = j.HeartbeatAt
	}
	return last != nil && last.Before(t)
}

func (m *memStore) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	if hook := m.afterList; hook != nil {
		m.afterList = nil
		defer hook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status()) {
			continue
		}
		if !f.StaleBefore.IsZero() && !staleBefore(j, f.StaleBefore) {
			continue
		}
		if !f.CreatedBefore.IsZero() && !j.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.Before(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memStore) EnqueueDispatch(_ context.Context, jobID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, jobID)
	return nil
}

func (m *memStore) ClaimDispatch(_ context.Context) (uuid.UUID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.outbox) == 0 {
		return uuid.Nil, false, nil
	}
	id := m.outbox[0]
	m.outbox = m.outbox[1:]
	return id, true, nil
}

func (m *memStore) EnqueueOrphanedPending(_ context.Context, createdBefore time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status() != models.JobStatusPending || !j.CreatedAt.Before(createdBefore) {
			continue
		}
		if slices.Contains(m.outbox, j.ID) {
			continue
		}
		m.outbox = append(m.outbox, j.ID)
		n++
	}
	return n, nil
}

func (m *memStore) CreateCourse(_ context.Context, c *models.Course) error {
	if m.createCourseErr != nil {
		return m.createCourseErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.courses[c.ID] = &cp
	return nil
}

func (m *memStore) GetCourse(_ context.Context, id uuid.UUID, ownerID uuid.UUID) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok || c.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) DeleteCourse(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.courses[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.courses, id)
	return nil
}

func (m *memStore) GetUsage(_ context.Context, ownerID uuid.UUID, period time.Time) (*models.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.usage[ownerID]; ok && u.Period.Equal(period) {
		cp := *u
		return &cp, nil
	}
	return &models.Usage{OwnerID: ownerID, Period: period}, nil
}

func (m *memStore) IncrementUsage(_ context.Context, ownerID uuid.UUID, period time.Time, regenerate bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.usage[ownerID]
	if !ok || !u.Period.Equal(period) {
		u = &models.Usage{OwnerID: ownerID, Period: period}
		m.usage[ownerID] = u
	}
	if regenerate {
		u.Regenerations++
	} else {
		u.Generations++
	}
	return nil
}

func (m *memStore) CountOutstandingJobs(_ context.Context, ownerID uuid.UUID, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.OwnerID != ownerID || j.Regenerate || j.CreatedAt.Before(since) {
			continue
		}
		if s := j.Status(); s == models.JobStatusPending || s == models.JobStatusProcessing {
			n++
		}
	}
	return n, nil
}

// --- helpers ---

func (m *memStore) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	j, err := m.GetJobByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func (m *memStore) outboxLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outbox)
}

func (m *memStore) courseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.courses)
}

// seedPending inserts a pending job created at createdAt, without an outbox row.
func (m *memStore) seedPending(ownerID uuid.UUID, content string, createdAt time.Time) *models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[ownerID]; !ok {
		m.owners[ownerID] = &models.Owner{ID: ownerID, Plan: models.PlanFree}
	}
	j := &models.Job{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		InputContent: content,
		ContentType:  models.ContentTypeText,
		State:        models.Pending{},
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
	}
	m.jobs[j.ID] = j
	return copyJob(j)
}

// seedProcessing inserts a job already claimed attempts times, last at startedAt.
func (m *memStore) seedProcessing(ownerID uuid.UUID, startedAt time.Time, attempts int) *models.Job {
	j := m.seedPending(ownerID, "stuck content", startedAt.Add(-time.Minute))
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.jobs[j.ID]
	stored.StartedAt = &startedAt
	stored.Attempts = attempts
	stored.State = models.Processing{StartedAt: startedAt}
	return copyJob(stored)
}

// --- memCache ---

type memCache struct {
	mu     sync.Mutex
	data   map[string][]byte
	getErr error
	sets   int
}

func newMemCache() *memCache {
	return &memCache{data: make(map[string][]byte)}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.sets++
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	if c.getErr != nil {
		return nil, false, c.getErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(_ context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(_ context.Context, _ string, _ time.Duration) (int64, error) {
	return 0, nil
}

// --- recording trigger / usage ---

type recordingTrigger struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (r *recordingTrigger) Trigger(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

type failingUsage struct{}

func (failingUsage) Record(_ context.Context, _ uuid.UUID, _ bool) error {
	return errors.New("usage service down")
}

// --- clock ---

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, time.May, 4, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
