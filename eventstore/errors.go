package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
)

// ConcurrencyError is the expected, recoverable race signal: the stream moved
// between read and append. Callers reload the aggregate and retry; the store
// never retries internally.
type ConcurrencyError struct {
	StreamID uuid.UUID
	Expected int64
	Actual   int64
}

func (e *ConcurrencyError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %v: expected version %d, actual version %d",
		e.StreamID, e.Expected, e.Actual)
}

// StorageError wraps an infrastructure failure from the backing store. It
// propagates as its own category so callers can tell "reload and retry" from
// "back off".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%v: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError indicates missing wiring at startup. Fatal, blocks
// construction.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %v", e.Reason)
}

// Category classifies errors for monitoring and for retry decisions.
type Category string

const (
	CategoryConcurrency    Category = "concurrency"
	CategoryValidation     Category = "validation"
	CategoryNotFound       Category = "not_found"
	CategoryInfrastructure Category = "infrastructure"
	CategoryTimeout        Category = "timeout"
	CategoryConfiguration  Category = "configuration"
	CategoryInternal       Category = "internal"
)

func CategoryOf(err error) Category {
	var concurrencyErr *ConcurrencyError
	var validationErr *events.ValidationError
	var schemaErr *events.SchemaError
	var unknownTypeErr *events.UnknownEventTypeError
	var storageErr *StorageError
	var configErr *ConfigurationError

	switch {
	case errors.As(err, &concurrencyErr):
		return CategoryConcurrency
	case errors.As(err, &validationErr), errors.As(err, &schemaErr), errors.As(err, &unknownTypeErr):
		return CategoryValidation
	case errors.Is(err, ErrStreamNotFound), errors.Is(err, ErrEventNotFound), errors.Is(err, ErrSnapshotNotFound):
		return CategoryNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &storageErr):
		return CategoryInfrastructure
	case errors.As(err, &configErr):
		return CategoryConfiguration
	default:
		return CategoryInternal
	}
}

// IsRetryable reports whether retrying the operation can succeed without
// intervention: concurrency conflicts and timeouts qualify, everything else
// does not.
func IsRetryable(err error) bool {
	switch CategoryOf(err) {
	case CategoryConcurrency, CategoryTimeout:
		return true
	default:
		return false
	}
}
