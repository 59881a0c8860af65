package quota_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/quota"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type usageKey struct {
	owner  uuid.UUID
	period time.Time
}

type mockStore struct {
	owners   map[uuid.UUID]*models.Owner
	usage    map[usageKey]*models.Usage
	usageErr error

	// outstanding is returned by CountOutstandingJobs per owner.
	outstanding map[uuid.UUID]int
	countErr    error
}

func newMockStore() *mockStore {
	return &mockStore{
		owners:      make(map[uuid.UUID]*models.Owner),
		usage:       make(map[usageKey]*models.Usage),
		outstanding: make(map[uuid.UUID]int),
	}
}

func (m *mockStore) addOwner(plan string) uuid.UUID {
	id := uuid.New()
	m.owners[id] = &models.Owner{ID: id, Plan: plan}
	return id
}

func (m *mockStore) EnsureOwner(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	if o, ok := m.owners[id]; ok {
		return o, nil
	}
	o := &models.Owner{ID: id, Plan: models.PlanFree}
	m.owners[id] = o
	return o, nil
}

func (m *mockStore) GetOwner(_ context.Context, id uuid.UUID) (*models.Owner, error) {
	o, ok := m.owners[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return o, nil
}

func (m *mockStore) GetUsage(_ context.Context, ownerID uuid.UUID, period time.Time) (*models.Usage, error) {
	if m.usageErr != nil {
		return nil, m.usageErr
	}
	if u, ok := m.usage[usageKey{ownerID, period}]; ok {
		cp := *u
		return &cp, nil
	}
	return &models.Usage{OwnerID: ownerID, Period: period}, nil
}

func (m *mockStore) IncrementUsage(_ context.Context, ownerID uuid.UUID, period time.Time, regenerate bool) error {
	if m.usageErr != nil {
		return m.usageErr
	}
	k := usageKey{ownerID, period}
	u, ok := m.usage[k]
	if !ok {
		u = &models.Usage{OwnerID: ownerID, Period: period}
		m.usage[k] = u
	}
	if regenerate {
		u.Regenerations++
	} else {
		u.Generations++
	}
	return nil
}

func (m *mockStore) CountOutstandingJobs(_ context.Context, ownerID uuid.UUID, _ time.Time) (int, error) {
	if m.countErr != nil {
		return 0, m.countErr
	}
	return m.outstanding[ownerID], nil
}

// --- tests ---

func TestCheck_FreeUnderLimit(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 3)

	require.NoError(t, svc.Record(context.Background(), owner, false))
	require.NoError(t, svc.Record(context.Background(), owner, false))

	assert.NoError(t, svc.Check(context.Background(), owner))
}

func TestCheck_FreeExhausted(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(context.Background(), owner, false))
	}

	assert.ErrorIs(t, svc.Check(context.Background(), owner), quota.ErrQuotaExceeded)
}

func TestCheck_RegenerationsDoNotCount(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Record(context.Background(), owner, true))
	}

	assert.NoError(t, svc.Check(context.Background(), owner))
}

func TestCheck_ProUnlimited(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanPro)
	svc := quota.NewService(s, 0)

	assert.NoError(t, svc.Check(context.Background(), owner))
}

func TestCheck_ZeroFreeLimit(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 0)

	assert.ErrorIs(t, svc.Check(context.Background(), owner), quota.ErrQuotaExceeded)
}

func TestCheck_NewMonthResets(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 1)

	svc.SetClock(func() time.Time { return time.Date(2026, time.January, 31, 23, 0, 0, 0, time.UTC) })
	require.NoError(t, svc.Record(context.Background(), owner, false))
	assert.ErrorIs(t, svc.Check(context.Background(), owner), quota.ErrQuotaExceeded)

	svc.SetClock(func() time.Time { return time.Date(2026, time.February, 1, 0, 30, 0, 0, time.UTC) })
	assert.NoError(t, svc.Check(context.Background(), owner))
}

func TestCheck_OutstandingJobsHoldSlots(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	svc := quota.NewService(s, 3)

	s.outstanding[owner] = 2
	assert.NoError(t, svc.Check(context.Background(), owner))

	require.NoError(t, svc.Record(context.Background(), owner, false))
	assert.ErrorIs(t, svc.Check(context.Background(), owner), quota.ErrQuotaExceeded)
}

func TestCheck_OutstandingOnlyExhausts(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	s.outstanding[owner] = 3
	svc := quota.NewService(s, 3)

	assert.ErrorIs(t, svc.Check(context.Background(), owner), quota.ErrQuotaExceeded)
}

func TestCheck_CountError(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	s.countErr = errors.New("connection refused")
	svc := quota.NewService(s, 3)

	err := svc.Check(context.Background(), owner)
	require.Error(t, err)
	assert.NotErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestCheck_UnknownOwner(t *testing.T) {
	svc := quota.NewService(newMockStore(), 3)

	err := svc.Check(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheck_StoreError(t *testing.T) {
	s := newMockStore()
	owner := s.addOwner(models.PlanFree)
	s.usageErr = errors.New("connection refused")
	svc := quota.NewService(s, 3)

	err := svc.Check(context.Background(), owner)
	require.Error(t, err)
	assert.NotErrorIs(t, err, quota.ErrQuotaExceeded)
}

func TestPeriod(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*60*60)
	got := quota.Period(time.Date(2026, time.March, 1, 2, 0, 0, 0, loc))
	assert.Equal(t, time.Date(2026, time.February, 1, 0, 0, 0, 0, time.UTC), got)
}
