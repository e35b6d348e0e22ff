package mysql

import (
	"context"
	"database/sql"
	"errors"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/eventstore"
)

func (s *Store) LoadCheckpoint(ctx context.Context, projectionName string) (*cqrs.Checkpoint, error) {
	checkpoint := &cqrs.Checkpoint{ProjectionName: projectionName}

	err := s.db.QueryRowContext(
		ctx,
		"SELECT last_position, last_event_id, error_count, last_error, updated_at FROM `projection_checkpoints` WHERE projection_name = ?",
		projectionName).Scan(&checkpoint.Position, &checkpoint.LastEventID, &checkpoint.ErrorCount, &checkpoint.LastError, &checkpoint.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cqrs.ErrCheckpointNotFound
	}
	if err != nil {
		return nil, &eventstore.StorageError{Op: "loading checkpoint", Err: err}
	}

	return checkpoint, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *cqrs.Checkpoint) error {
	_, err := s.db.ExecContext(
		ctx,
		"INSERT INTO `projection_checkpoints` (projection_name, last_position, last_event_id, error_count, last_error, updated_at) VALUES (?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE last_position = VALUES(last_position), last_event_id = VALUES(last_event_id), error_count = VALUES(error_count), last_error = VALUES(last_error), updated_at = VALUES(updated_at)",
		checkpoint.ProjectionName, checkpoint.Position, checkpoint.LastEventID, checkpoint.ErrorCount, checkpoint.LastError, checkpoint.Timestamp.UTC())
	if err != nil {
		return &eventstore.StorageError{Op: "saving checkpoint", Err: err}
	}

	return nil
}
