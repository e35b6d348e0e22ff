package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *eventstore.Snapshot) error {
	_, err := s.db.ExecContext(
		ctx,
		"INSERT OR REPLACE INTO snapshots (stream_id, snapshot_version, snapshot_data, snapshot_metadata, created_at) VALUES (?, ?, ?, ?, ?)",
		snapshot.StreamID, snapshot.Version, snapshot.Data, snapshot.Metadata, formatTime(snapshot.CreatedAt))
	if err != nil {
		return &eventstore.StorageError{Op: "saving snapshot", Err: err}
	}

	s.metrics.Counter(metrickeys.SnapshotsCreated, metrics.Tags{}, 1)

	return nil
}

func (s *Store) LoadLatestSnapshot(ctx context.Context, streamID uuid.UUID) (*eventstore.Snapshot, error) {
	row := s.db.QueryRowContext(
		ctx,
		"SELECT snapshot_version, snapshot_data, snapshot_metadata, created_at FROM snapshots WHERE stream_id = ? ORDER BY snapshot_version DESC LIMIT 1",
		streamID)

	return s.scanSnapshot(row, streamID)
}

func (s *Store) LoadSnapshotAtVersion(ctx context.Context, streamID uuid.UUID, version int64) (*eventstore.Snapshot, error) {
	row := s.db.QueryRowContext(
		ctx,
		"SELECT snapshot_version, snapshot_data, snapshot_metadata, created_at FROM snapshots WHERE stream_id = ? AND snapshot_version <= ? ORDER BY snapshot_version DESC LIMIT 1",
		streamID, version)

	return s.scanSnapshot(row, streamID)
}

func (s *Store) scanSnapshot(row *sql.Row, streamID uuid.UUID) (*eventstore.Snapshot, error) {
	snapshot := &eventstore.Snapshot{StreamID: streamID}

	var createdAt string
	err := row.Scan(&snapshot.Version, &snapshot.Data, &snapshot.Metadata, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eventstore.ErrSnapshotNotFound
	}
	if err != nil {
		return nil, &eventstore.StorageError{Op: "loading snapshot", Err: err}
	}

	if snapshot.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, &eventstore.StorageError{Op: "loading snapshot", Err: err}
	}

	s.metrics.Counter(metrickeys.SnapshotsLoaded, metrics.Tags{}, 1)

	return snapshot, nil
}

func (s *Store) DeleteSnapshotsBefore(ctx context.Context, streamID uuid.UUID, version int64) (int64, error) {
	res, err := s.db.ExecContext(
		ctx, "DELETE FROM snapshots WHERE stream_id = ? AND snapshot_version < ?", streamID, version)
	if err != nil {
		return 0, &eventstore.StorageError{Op: "deleting snapshots", Err: err}
	}

	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, &eventstore.StorageError{Op: "deleting snapshots", Err: err}
	}

	return deleted, nil
}

func (s *Store) GetSnapshotStats(ctx context.Context, streamID uuid.UUID) (*eventstore.SnapshotStats, error) {
	stats := &eventstore.SnapshotStats{StreamID: streamID}

	err := s.db.QueryRowContext(
		ctx,
		"SELECT COUNT(*), COALESCE(MAX(snapshot_version), 0), COALESCE(MIN(snapshot_version), 0), COALESCE(SUM(LENGTH(snapshot_data)), 0) FROM snapshots WHERE stream_id = ?",
		streamID).Scan(&stats.TotalSnapshots, &stats.LatestVersion, &stats.OldestVersion, &stats.TotalSizeBytes)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "reading snapshot stats", Err: err}
	}

	if stats.TotalSnapshots == 0 {
		return stats, nil
	}

	var createdAt string
	err = s.db.QueryRowContext(
		ctx,
		"SELECT created_at FROM snapshots WHERE stream_id = ? ORDER BY snapshot_version DESC LIMIT 1",
		streamID).Scan(&createdAt)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "reading snapshot stats", Err: err}
	}

	lastAt, err := parseTime(createdAt)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "reading snapshot stats", Err: err}
	}
	stats.LastSnapshotAt = &lastAt

	return stats, nil
}
