package jobs

import (
	"errors"

	"github.com/kiranshivaraju/coursegen/internal/quota"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrQuotaExceeded = quota.ErrQuotaExceeded
	ErrNotFound      = errors.New("job not found")
	// ErrStore marks infrastructure failures. Callers may retry.
	ErrStore = errors.New("store unavailable")

	ErrPersistence = errors.New("persisting course failed")
	ErrEnginePanic = errors.New("generation engine panicked")

	ErrDispatcherStopped = errors.New("dispatcher is not running")
)
