package circuitbreaker

import (
	"errors"
	"fmt"

	apperrors "callaudit-server/pkg/errors"
)

// OpenError is returned when a breaker rejects a call without running it.
type OpenError struct {
	CircuitName string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open, request rejected", e.CircuitName)
}

// Unwrap lets callers treat a rejected call like any unavailable dependency.
func (e *OpenError) Unwrap() error {
	return apperrors.ErrUnavailable
}

// NewOpenError creates an error for when circuit is open
func NewOpenError(name string) *OpenError {
	return &OpenError{CircuitName: name}
}

// IsOpenError reports whether err, or anything it wraps, is an *OpenError.
func IsOpenError(err error) bool {
	// Match through any wrapping
	var target *OpenError
	return errors.As(err, &target)
}
