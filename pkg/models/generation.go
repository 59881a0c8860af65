// Package models contains shared data models used across the coursegen codebase.
package models

import (
	"context"

	"github.com/google/uuid"
)

// GenerationEngine is the contract of the external course generator.
// Never call a specific engine directly. Always inject this interface.
type GenerationEngine interface {
	// Generate turns normalized input into a structured course or returns a typed failure.
	Generate(ctx context.Context, req GenerationRequest) (*GeneratedCourse, error)
	// Name returns the engine identifier (e.g., "openai", "mock").
	Name() string
}

// GenerationRequest is the input to a generation call.
type GenerationRequest struct {
	OwnerID     uuid.UUID
	Content     string
	ContentType ContentType
	Regenerate  bool
}

// GeneratedCourse is the engine's structured output before it is persisted.
type GeneratedCourse struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Modules     []Module `json:"modules"`
}
