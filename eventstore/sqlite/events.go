package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

const insertBatchSize = 20

func (s *Store) AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion *int64, evts []*events.Event) (int64, error) {
	timer := metrics.Timer(s.metrics, metrickeys.AppendDuration, metrics.Tags{})
	defer timer.Stop()

	// Serialize first: validation and schema failures reject the whole
	// append before the transaction starts.
	serialized := make([]*events.SerializedEvent, len(evts))
	for i, event := range evts {
		if event.Metadata.StreamID != streamID {
			return 0, &events.ValidationError{
				EventType: event.Type(),
				Reason:    fmt.Sprintf("event %v belongs to stream %v, not %v", event.Metadata.EventID, event.Metadata.StreamID, streamID),
			}
		}

		se, err := s.options.Serializer.Serialize(event)
		if err != nil {
			return 0, err
		}
		serialized[i] = se
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, &eventstore.StorageError{Op: "starting transaction", Err: err}
	}
	defer tx.Rollback()

	version, err := appendEventsTx(ctx, tx, streamID, expectedVersion, evts, serialized)
	if err != nil {
		var concurrencyErr *eventstore.ConcurrencyError
		if errors.As(err, &concurrencyErr) {
			s.metrics.Counter(metrickeys.AppendConflicts, metrics.Tags{}, 1)
		}
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, &eventstore.StorageError{Op: "committing events", Err: err}
	}

	s.metrics.Counter(metrickeys.EventsAppended, metrics.Tags{}, int64(len(evts)))

	// Post-commit fan-out, best-effort.
	if len(evts) > 0 {
		s.bus.Publish(ctx, evts)
	}

	return version, nil
}

func appendEventsTx(ctx context.Context, tx *sql.Tx, streamID uuid.UUID, expectedVersion *int64, evts []*events.Event, serialized []*events.SerializedEvent) (int64, error) {
	if _, err := tx.ExecContext(
		ctx, "INSERT OR IGNORE INTO streams (stream_id, version) VALUES (?, 0)", streamID); err != nil {
		return 0, &eventstore.StorageError{Op: "preparing stream", Err: err}
	}

	var current int64
	if err := tx.QueryRowContext(
		ctx, "SELECT version FROM streams WHERE stream_id = ?", streamID).Scan(&current); err != nil {
		return 0, &eventstore.StorageError{Op: "reading stream version", Err: err}
	}

	if expectedVersion != nil && *expectedVersion != current {
		return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: *expectedVersion, Actual: current}
	}

	if len(evts) == 0 {
		return current, nil
	}

	newVersion := current + int64(len(evts))

	// Compare-and-swap on the version row. The unique constraint on
	// (stream_id, sequence_number) backstops it.
	res, err := tx.ExecContext(
		ctx, "UPDATE streams SET version = ? WHERE stream_id = ? AND version = ?", newVersion, streamID, current)
	if err != nil {
		return 0, &eventstore.StorageError{Op: "updating stream version", Err: err}
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &eventstore.StorageError{Op: "updating stream version", Err: err}
	}

	if affected == 0 {
		actual := current
		_ = tx.QueryRowContext(ctx, "SELECT version FROM streams WHERE stream_id = ?", streamID).Scan(&actual)

		expected := current
		if expectedVersion != nil {
			expected = *expectedVersion
		}

		return 0, &eventstore.ConcurrencyError{StreamID: streamID, Expected: expected, Actual: actual}
	}

	for i, event := range evts {
		event.Metadata.SequenceNumber = current + int64(i) + 1
		serialized[i].Metadata.SequenceNumber = event.Metadata.SequenceNumber
	}

	if err := insertEvents(ctx, tx, serialized); err != nil {
		return 0, err
	}

	return newVersion, nil
}

func insertEvents(ctx context.Context, tx *sql.Tx, serialized []*events.SerializedEvent) error {
	for batchStart := 0; batchStart < len(serialized); batchStart += insertBatchSize {
		batchEnd := batchStart + insertBatchSize
		if batchEnd > len(serialized) {
			batchEnd = len(serialized)
		}
		batch := serialized[batchStart:batchEnd]

		query := "INSERT INTO event_store (stream_id, sequence_number, event_id, event_type, event_version, event_data, metadata, timestamp, correlation_id, causation_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)" +
			strings.Repeat(", (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", len(batch)-1)

		args := make([]interface{}, 0, len(batch)*10)

		for _, se := range batch {
			metadataJSON, err := json.Marshal(se.Metadata)
			if err != nil {
				return fmt.Errorf("marshaling event metadata: %w", err)
			}

			args = append(args,
				se.Metadata.StreamID,
				se.Metadata.SequenceNumber,
				se.Metadata.EventID,
				string(se.Metadata.EventType),
				se.Metadata.EventVersion,
				string(se.Data),
				string(metadataJSON),
				formatTime(se.Metadata.Timestamp),
				se.Metadata.CorrelationID,
				se.Metadata.CausationID,
			)
		}

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return &eventstore.StorageError{Op: "inserting events", Err: err}
		}
	}

	return nil
}

func (s *Store) ReadEvents(ctx context.Context, streamID uuid.UUID, fromVersion int64, maxCount int) ([]*events.Event, error) {
	if maxCount <= 0 {
		maxCount = s.options.MaxEventsPerRead
	}

	rows, err := s.db.QueryContext(
		ctx,
		"SELECT event_data, metadata FROM event_store WHERE stream_id = ? AND sequence_number > ? ORDER BY sequence_number LIMIT ?",
		streamID, fromVersion, maxCount)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "reading events", Err: err}
	}
	defer rows.Close()

	var result []*events.Event
	for rows.Next() {
		var data, metadataJSON []byte
		if err := rows.Scan(&data, &metadataJSON); err != nil {
			return nil, &eventstore.StorageError{Op: "scanning event", Err: err}
		}

		event, err := rowToEvent(data, metadataJSON, s.options.Serializer)
		if err != nil {
			return nil, err
		}

		result = append(result, event)
	}

	if err := rows.Err(); err != nil {
		return nil, &eventstore.StorageError{Op: "reading events", Err: err}
	}

	s.metrics.Counter(metrickeys.EventsRead, metrics.Tags{}, int64(len(result)))

	return result, nil
}

func (s *Store) ReadAllEvents(ctx context.Context, afterPosition int64, maxCount int) ([]*eventstore.StoredEvent, error) {
	if maxCount <= 0 {
		maxCount = s.options.MaxEventsPerRead
	}

	rows, err := s.db.QueryContext(
		ctx,
		"SELECT position, event_data, metadata FROM event_store WHERE position > ? ORDER BY position LIMIT ?",
		afterPosition, maxCount)
	if err != nil {
		return nil, &eventstore.StorageError{Op: "reading all events", Err: err}
	}
	defer rows.Close()

	var result []*eventstore.StoredEvent
	for rows.Next() {
		var position int64
		var data, metadataJSON []byte
		if err := rows.Scan(&position, &data, &metadataJSON); err != nil {
			return nil, &eventstore.StorageError{Op: "scanning event", Err: err}
		}

		event, err := rowToEvent(data, metadataJSON, s.options.Serializer)
		if err != nil {
			return nil, err
		}

		result = append(result, &eventstore.StoredEvent{Position: position, Event: event})
	}

	if err := rows.Err(); err != nil {
		return nil, &eventstore.StorageError{Op: "reading all events", Err: err}
	}

	return result, nil
}

func (s *Store) GetStreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(
		ctx, "SELECT version FROM streams WHERE stream_id = ?", streamID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, &eventstore.StorageError{Op: "reading stream version", Err: err}
	}

	return version, nil
}

func rowToEvent(data, metadataJSON []byte, serializer events.Serializer) (*events.Event, error) {
	var metadata events.Metadata
	if err := json.Unmarshal(metadataJSON, &metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling event metadata: %w", err)
	}

	return serializer.Deserialize(&events.SerializedEvent{
		Metadata: metadata,
		Data:     data,
	})
}
