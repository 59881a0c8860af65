package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/coursegen/internal/api/middleware"
	"github.com/kiranshivaraju/coursegen/internal/api/response"
	"github.com/kiranshivaraju/coursegen/internal/jobs"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

const maxRequestBodyBytes = 1 << 20

// JobSubmitter defines the interface the submit handler depends on.
type JobSubmitter interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*models.Job, error)
}

// StatusReader answers job and course reads for one owner.
type StatusReader interface {
	GetStatus(ctx context.Context, jobID, ownerID uuid.UUID) (*jobs.StatusView, error)
	GetCourse(ctx context.Context, courseID, ownerID uuid.UUID) (*models.Course, error)
}

type submitRequest struct {
	Content     string             `json:"content"`
	ContentType models.ContentType `json:"contentType"`
	Regenerate  bool               `json:"regenerate"`
}

type submitResponse struct {
	JobID uuid.UUID `json:"jobId"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// It answers 202 as soon as the job row exists; generation runs in the background.
func NewSubmitJobHandler(svc JobSubmitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		var req submitRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		job, err := svc.Submit(r.Context(), jobs.SubmitRequest{
			OwnerID:     ownerID,
			Content:     req.Content,
			ContentType: req.ContentType,
			Regenerate:  req.Regenerate,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}

		response.Accepted(w, submitResponse{JobID: job.ID})
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}

		view, err := svc.GetStatus(r.Context(), jobID, ownerID)
		if err != nil {
			writeJobError(w, err)
			return
		}

		response.JSON(w, view)
	}
}

// writeJobError maps jobs package errors onto the response envelope.
func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidInput):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, jobs.ErrQuotaExceeded):
		response.Error(w, http.StatusPaymentRequired, "QUOTA_EXCEEDED",
			"Monthly generation quota exceeded", nil)
	case errors.Is(err, jobs.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, jobs.ErrStore):
		slog.Error("store unavailable", "error", err)
		w.Header().Set("Retry-After", "5")
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE",
			"Storage is temporarily unavailable, retry later", nil)
	default:
		slog.Error("unexpected job error", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
