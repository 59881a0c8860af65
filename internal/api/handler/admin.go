package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/kiranshivaraju/coursegen/internal/api/response"
	"github.com/kiranshivaraju/coursegen/internal/jobs"
)

type Sweeper interface {
	Sweep(ctx context.Context, staleness time.Duration) (*jobs.SweepReport, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context) (*jobs.ReprocessReport, error)
}

// NewSweepHandler returns an http.HandlerFunc for POST /api/v1/admin/sweep.
// An optional ?staleness=5m overrides the configured threshold.
func NewSweepHandler(svc Sweeper, defaultStaleness time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		staleness := defaultStaleness
		if v := r.URL.Query().Get("staleness"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"staleness must be a positive duration such as 5m", nil)
				return
			}
			staleness = d
		}

		report, err := svc.Sweep(r.Context(), staleness)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, report)
	}
}

// NewReprocessHandler returns an http.HandlerFunc for POST /api/v1/admin/reprocess.
// The request stays open until every outstanding job has been attempted, so the
// server write deadline is lifted for it.
func NewReprocessHandler(svc Reprocessor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
			slog.Warn("reprocess: cannot clear write deadline", "error", err)
		}

		report, err := svc.Reprocess(r.Context())
		if err != nil && report == nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, report)
	}
}
