package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanFree = "free"
	PlanPro  = "pro"
)

// Owner is the principal that submits jobs and owns the resulting courses.
// Every job and course belongs to exactly one owner for its whole lifetime.
type Owner struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Plan      string    `db:"plan"       json:"plan"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Usage is an owner's generation count for one calendar month.
type Usage struct {
	OwnerID       uuid.UUID `db:"owner_id"      json:"owner_id"`
	Period        time.Time `db:"period"        json:"period"`
	Generations   int       `db:"generations"   json:"generations"`
	Regenerations int       `db:"regenerations" json:"regenerations"`
}
