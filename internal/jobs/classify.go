package jobs

import (
	"context"
	"errors"

	"github.com/kiranshivaraju/coursegen/internal/generation"
)

const maxErrorMessageBytes = 1000

// FailureCode classifies why a job failed.
type FailureCode string

const (
	CodeTimeout     FailureCode = "generation_timeout"
	CodeEngine      FailureCode = "generation_error"
	CodePersistence FailureCode = "persistence_error"
	CodeStuck       FailureCode = "stuck"
	CodeInternal    FailureCode = "internal_error"
)

// Failure is what gets written to a failed job row.
type Failure struct {
	Code      FailureCode
	Message   string
	Retryable bool
}

// Classify maps an error from background execution to a Failure.
// Unknown errors are treated as transient.
func Classify(err error) Failure {
	if err == nil {
		return Failure{Code: CodeInternal, Message: "unknown error", Retryable: false}
	}
	msg := truncateString(err.Error(), maxErrorMessageBytes)

	switch {
	case errors.Is(err, ErrEnginePanic):
		return Failure{Code: CodeInternal, Message: msg, Retryable: false}
	case errors.Is(err, ErrPersistence):
		return Failure{Code: CodePersistence, Message: msg, Retryable: true}
	case errors.Is(err, generation.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Failure{Code: CodeTimeout, Message: msg, Retryable: true}
	default:
		return Failure{Code: CodeEngine, Message: msg, Retryable: generation.IsRetryable(err)}
	}
}
