package models

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced through the API as structured responses.
var (
	// ErrJobNotFound maps to 404
	ErrJobNotFound = errors.New("job not found")

	// ErrJobConflict maps to 409 (e.g. delete while running)
	ErrJobConflict = errors.New("job state forbids this action")

	// ErrOperationNotFound is returned for retry targets that do not exist
	ErrOperationNotFound = errors.New("operation not found")
)

// ConfigurationError indicates a caller bug: no handler is registered for a
// job's type. It fails the whole job at submission time and is never
// retryable.
type ConfigurationError struct {
	Type string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("no handler registered for type %q", e.Type)
}

// StorageError wraps a persistence failure. Execution continues with the
// in-memory state as source of truth; the next successful write catches up.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrorCode returns the stable API error code for an error value
func ErrorCode(err error) string {
	var confErr *ConfigurationError
	var storeErr *StorageError

	switch {
	case errors.Is(err, ErrJobNotFound), errors.Is(err, ErrOperationNotFound):
		return "not_found"
	case errors.Is(err, ErrJobConflict):
		return "conflict"
	case errors.As(err, &confErr):
		return "configuration_error"
	case errors.As(err, &storeErr):
		return "storage_error"
	default:
		return "internal_error"
	}
}
