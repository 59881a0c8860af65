package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/coursegen/internal/api/middleware"
	"github.com/kiranshivaraju/coursegen/internal/api/response"
)

// NewGetCourseHandler returns an http.HandlerFunc for GET /api/v1/courses/{courseID}.
func NewGetCourseHandler(svc StatusReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		courseID, err := uuid.Parse(chi.URLParam(r, "courseID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "courseID must be a UUID", nil)
			return
		}

		course, err := svc.GetCourse(r.Context(), courseID, ownerID)
		if err != nil {
			writeJobError(w, err)
			return
		}

		response.JSON(w, course)
	}
}
