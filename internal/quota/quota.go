// Package quota enforces per-owner monthly generation limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

var ErrQuotaExceeded = errors.New("generation quota exceeded")

// Store is the subset of store.Store the quota service needs.
type Store interface {
	store.OwnerStore
	store.UsageStore
}

// Service checks and records generation usage. Free owners get a fixed number of
// fresh generations per calendar month; pro owners are unlimited. Regenerations
// are counted but never limited.
type Service struct {
	store     Store
	freeLimit int
	now       func() time.Time
}

func NewService(s Store, freeLimit int) *Service {
	return &Service{store: s, freeLimit: freeLimit, now: time.Now}
}

// Check returns ErrQuotaExceeded when the owner may not start another fresh generation.
// Jobs still pending or processing hold a slot until they finish, so a burst of
// submissions cannot outrun the completed-generation counter.
func (s *Service) Check(ctx context.Context, ownerID uuid.UUID) error {
	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("load owner: %w", err)
	}
	if owner.Plan == models.PlanPro {
		return nil
	}

	period := Period(s.now())
	usage, err := s.store.GetUsage(ctx, ownerID, period)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	outstanding, err := s.store.CountOutstandingJobs(ctx, ownerID, period)
	if err != nil {
		return fmt.Errorf("count outstanding jobs: %w", err)
	}
	if usage.Generations+outstanding >= s.freeLimit {
		return ErrQuotaExceeded
	}
	return nil
}

// Record counts one completed generation against the current period.
func (s *Service) Record(ctx context.Context, ownerID uuid.UUID, regenerate bool) error {
	if err := s.store.IncrementUsage(ctx, ownerID, Period(s.now()), regenerate); err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Period returns the first instant of t's calendar month in UTC.
func Period(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
