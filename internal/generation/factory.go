package generation

import (
	"fmt"

	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/generation/mock"
	"github.com/kiranshivaraju/coursegen/pkg/models"
)

// NewEngine constructs the generation engine selected by config.
// Called once at startup.
func NewEngine(cfg config.GenerationConfig) (models.GenerationEngine, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIEngine(cfg.OpenAI), nil
	case "mock":
		return mock.NewMockEngine(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q: must be one of openai, mock", cfg.Provider)
	}
}
