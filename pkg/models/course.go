package models

import (
	"time"

	"github.com/google/uuid"
)

// Course is the artifact produced by a successful job. Once created its lifecycle is
// independent of the job that produced it.
type Course struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     uuid.UUID `json:"ownerId"`
	JobID       uuid.UUID `json:"jobId"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Modules     []Module  `json:"modules"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Module struct {
	Title   string   `json:"title"`
	Summary string   `json:"summary,omitempty"`
	Lessons []Lesson `json:"lessons"`
}

type Lesson struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}
