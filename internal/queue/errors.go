package queue

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/taskgate/internal/store"
)

var (
	// ErrValidation marks caller errors. Nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = store.ErrNotFound
	// ErrUnavailable marks store or lane failures; the caller may retry.
	ErrUnavailable = store.ErrUnavailable
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) hold.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
