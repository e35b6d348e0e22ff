package sqlite

import (
	"context"

	"github.com/freedeepresearch/eventcore/eventstore"
)

func (s *Store) GetStats(ctx context.Context) (*eventstore.Stats, error) {
	stats := &eventstore.Stats{}

	if err := s.db.QueryRowContext(
		ctx, "SELECT COUNT(*) FROM streams").Scan(&stats.Streams); err != nil {
		return nil, &eventstore.StorageError{Op: "reading stats", Err: err}
	}

	if err := s.db.QueryRowContext(
		ctx, "SELECT COUNT(*), COALESCE(MAX(position), 0) FROM event_store").Scan(&stats.Events, &stats.LastPosition); err != nil {
		return nil, &eventstore.StorageError{Op: "reading stats", Err: err}
	}

	return stats, nil
}
