package cqrs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Checkpoint records how far a projection has processed the global event
// feed. Position refers to Store.ReadAllEvents positions.
type Checkpoint struct {
	ProjectionName string    `json:"projection_name"`
	Position       int64     `json:"position"`
	LastEventID    uuid.UUID `json:"last_processed_event_id"`
	Timestamp      time.Time `json:"timestamp"`
	ErrorCount     int64     `json:"error_count"`
	LastError      string    `json:"last_error,omitempty"`
}

// CheckpointStore persists projection checkpoints so consumers resume where
// they left off after a restart.
type CheckpointStore interface {
	// LoadCheckpoint returns the named projection's checkpoint, or
	// ErrCheckpointNotFound when the projection has never checkpointed.
	LoadCheckpoint(ctx context.Context, projectionName string) (*Checkpoint, error)

	// SaveCheckpoint inserts or replaces the projection's checkpoint.
	SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
}
