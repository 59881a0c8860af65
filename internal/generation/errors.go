package generation

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout             = errors.New("generation timed out")
	ErrRateLimited         = errors.New("generation engine rate limited")
	ErrMalformedOutput     = errors.New("generation engine returned malformed output")
	ErrContentRejected     = errors.New("content rejected by generation engine")
	ErrProviderUnavailable = errors.New("generation engine unavailable")
)

// Error is a classified engine failure. Kind is one of the sentinels above;
// errors.Is matches both Kind and the underlying cause.
type Error struct {
	Kind      error
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError classifies err under kind. Content rejection is the only kind that is
// never worth retrying with the same input.
func NewError(kind, err error) *Error {
	return &Error{Kind: kind, Retryable: kind != ErrContentRejected, Err: err}
}

// IsRetryable reports whether err carries a retryable classification.
// Unclassified errors are treated as retryable.
func IsRetryable(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Retryable
	}
	return !errors.Is(err, ErrContentRejected)
}
