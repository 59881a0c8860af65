package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/coursegen/internal/quota"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

const maxContentBytes = 50_000

// Trigger asks for a job to be processed soon. Delivery is best-effort; the outbox
// row written with the job and the sweeper guarantee pickup either way.
type Trigger interface {
	Trigger(jobID uuid.UUID) error
}

// QuotaChecker gates fresh generations. Implemented by quota.Service.
type QuotaChecker interface {
	Check(ctx context.Context, ownerID uuid.UUID) error
}

type SubmitterStore interface {
	store.OwnerStore
	store.JobStore
}

type SubmitRequest struct {
	OwnerID     uuid.UUID
	Content     string
	ContentType models.ContentType
	Regenerate  bool
}

type Submitter struct {
	store   SubmitterStore
	quota   QuotaChecker
	trigger Trigger
	now     func() time.Time
}

func NewSubmitter(st SubmitterStore, q QuotaChecker, trigger Trigger) *Submitter {
	return &Submitter{store: st, quota: q, trigger: trigger, now: time.Now}
}

// Submit validates the request, records a pending job and triggers processing
// without waiting for it. No row is written when validation or the quota check fails.
func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (*models.Job, error) {
	content, contentType, err := normalize(req)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.EnsureOwner(ctx, req.OwnerID); err != nil {
		return nil, fmt.Errorf("%w: resolve owner: %v", ErrStore, err)
	}

	if !req.Regenerate {
		if err := s.quota.Check(ctx, req.OwnerID); err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				return nil, ErrQuotaExceeded
			}
			return nil, fmt.Errorf("%w: check quota: %v", ErrStore, err)
		}
	}

	now := s.now().UTC()
	job := &models.Job{
		ID:           uuid.New(),
		OwnerID:      req.OwnerID,
		InputContent: content,
		ContentType:  contentType,
		Regenerate:   req.Regenerate,
		State:        models.Pending{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("%w: create job: %v", ErrStore, err)
	}

	slog.Info("job submitted",
		"job_id", job.ID,
		"owner_id", job.OwnerID,
		"content_type", job.ContentType,
		"regenerate", job.Regenerate,
	)

	if err := s.trigger.Trigger(job.ID); err != nil {
		slog.Warn("job trigger failed; outbox will deliver", "job_id", job.ID, "error", err)
	}
	return job, nil
}

func normalize(req SubmitRequest) (string, models.ContentType, error) {
	if req.OwnerID == uuid.Nil {
		return "", "", fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}

	contentType := req.ContentType
	if contentType == "" {
		contentType = models.ContentTypeText
	}
	if !contentType.Valid() {
		return "", "", fmt.Errorf("%w: contentType must be one of text, url; got %q", ErrInvalidInput, contentType)
	}

	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", "", fmt.Errorf("%w: content is required", ErrInvalidInput)
	}

	if contentType == models.ContentTypeURL {
		u, err := url.Parse(content)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return "", "", fmt.Errorf("%w: content must be an absolute http(s) URL", ErrInvalidInput)
		}
		return u.String(), contentType, nil
	}

	return truncateString(content, maxContentBytes), contentType, nil
}
