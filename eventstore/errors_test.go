package eventstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/events"
)

func TestConcurrencyError(t *testing.T) {
	streamID := uuid.New()

	err := fmt.Errorf("appending events: %w", &ConcurrencyError{
		StreamID: streamID,
		Expected: 3,
		Actual:   5,
	})

	var concurrencyErr *ConcurrencyError
	require.ErrorAs(t, err, &concurrencyErr)
	assert.Equal(t, streamID, concurrencyErr.StreamID)
	assert.Equal(t, int64(3), concurrencyErr.Expected)
	assert.Equal(t, int64(5), concurrencyErr.Actual)
	assert.Contains(t, err.Error(), "expected version 3, actual version 5")
}

func TestStorageErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &StorageError{Op: "appending events", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "appending events")
}

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"concurrency", &ConcurrencyError{StreamID: uuid.New(), Expected: 1, Actual: 2}, CategoryConcurrency},
		{"wrapped concurrency", fmt.Errorf("handling: %w", &ConcurrencyError{}), CategoryConcurrency},
		{"validation", &events.ValidationError{EventType: events.EventTypeWorkflowCreated, Reason: "name is blank"}, CategoryValidation},
		{"schema", &events.SchemaError{EventType: events.EventTypeWorkflowCreated, Reason: "missing field"}, CategoryValidation},
		{"unknown event type", &events.UnknownEventTypeError{EventType: "nope"}, CategoryValidation},
		{"stream not found", ErrStreamNotFound, CategoryNotFound},
		{"snapshot not found", fmt.Errorf("loading: %w", ErrSnapshotNotFound), CategoryNotFound},
		{"timeout", context.DeadlineExceeded, CategoryTimeout},
		{"storage", &StorageError{Op: "reading events", Err: errors.New("disk")}, CategoryInfrastructure},
		{"configuration", &ConfigurationError{Reason: "no store"}, CategoryConfiguration},
		{"unknown", errors.New("boom"), CategoryInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ConcurrencyError{}))
	assert.True(t, IsRetryable(context.DeadlineExceeded))

	assert.False(t, IsRetryable(&events.ValidationError{EventType: events.EventTypeTaskCreated, Reason: "bad"}))
	assert.False(t, IsRetryable(&StorageError{Op: "x", Err: errors.New("disk")}))
	assert.False(t, IsRetryable(ErrStreamNotFound))
	assert.False(t, IsRetryable(errors.New("boom")))
}
