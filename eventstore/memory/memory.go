// Package memory provides an in-memory event store for tests, samples, and
// development. All data is lost when the store is garbage collected.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

// Store keeps streams as map-of-slices guarded by an RWMutex, plus a global
// feed slice whose index order is the commit order. Safe for concurrent use.
type Store struct {
	options *eventstore.Options
	metrics metrics.Client
	bus     eventstore.Bus

	mu          sync.RWMutex
	streams     map[uuid.UUID][]*events.Event
	eventIDs    map[uuid.UUID]struct{}
	feed        []*eventstore.StoredEvent
	snapshots   map[uuid.UUID][]*eventstore.Snapshot
	checkpoints map[string]*cqrs.Checkpoint
}

var (
	_ eventstore.Store         = (*Store)(nil)
	_ eventstore.SnapshotStore = (*Store)(nil)
	_ cqrs.CheckpointStore     = (*Store)(nil)
)

func NewStore(opts ...eventstore.StoreOption) *Store {
	options := eventstore.ApplyOptions(opts...)
	mc := options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "memory"})

	return &Store{
		options: options,
		metrics: mc,
		bus:     eventstore.NewBus(options.Logger, mc),

		streams:     map[uuid.UUID][]*events.Event{},
		eventIDs:    map[uuid.UUID]struct{}{},
		snapshots:   map[uuid.UUID][]*eventstore.Snapshot{},
		checkpoints: map[string]*cqrs.Checkpoint{},
	}
}

func (s *Store) AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion *int64, evts []*events.Event) (int64, error) {
	timer := metrics.Timer(s.metrics, metrickeys.AppendDuration, metrics.Tags{})
	defer timer.Stop()

	serializer := s.options.Serializer

	// Validate everything before touching state, all-or-nothing.
	for _, event := range evts {
		if event.Metadata.StreamID != streamID {
			return 0, &events.ValidationError{
				EventType: event.Type(),
				Reason:    fmt.Sprintf("event %v belongs to stream %v, not %v", event.Metadata.EventID, event.Metadata.StreamID, streamID),
			}
		}

		if _, err := serializer.Serialize(event); err != nil {
			return 0, err
		}
	}

	version, err := s.append(streamID, expectedVersion, evts)
	if err != nil {
		var concurrencyErr *eventstore.ConcurrencyError
		if errors.As(err, &concurrencyErr) {
			s.metrics.Counter(metrickeys.AppendConflicts, metrics.Tags{}, 1)
		}
		return 0, err
	}

	s.metrics.Counter(metrickeys.EventsAppended, metrics.Tags{}, int64(len(evts)))

	// Post-commit fan-out, outside the lock so subscribers may read back.
	if len(evts) > 0 {
		s.bus.Publish(ctx, evts)
	}

	return version, nil
}

func (s *Store) append(streamID uuid.UUID, expectedVersion *int64, evts []*events.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[streamID]
	currentVersion := int64(len(stream))

	if expectedVersion != nil && *expectedVersion != currentVersion {
		return 0, &eventstore.ConcurrencyError{
			StreamID: streamID,
			Expected: *expectedVersion,
			Actual:   currentVersion,
		}
	}

	for _, event := range evts {
		if _, exists := s.eventIDs[event.Metadata.EventID]; exists {
			return 0, fmt.Errorf("appending events: event %v already stored", event.Metadata.EventID)
		}
	}

	version := currentVersion
	for _, event := range evts {
		version++
		event.Metadata.SequenceNumber = version

		stream = append(stream, event)
		s.eventIDs[event.Metadata.EventID] = struct{}{}
		s.feed = append(s.feed, &eventstore.StoredEvent{
			Position: int64(len(s.feed)) + 1,
			Event:    event,
		})
	}

	s.streams[streamID] = stream

	return version, nil
}

func (s *Store) ReadEvents(ctx context.Context, streamID uuid.UUID, fromVersion int64, maxCount int) ([]*events.Event, error) {
	if maxCount <= 0 {
		maxCount = s.options.MaxEventsPerRead
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	stream := s.streams[streamID]

	// Sequences are gapless and 1-indexed, fromVersion is also the index of
	// the first event to return.
	start := int(fromVersion)
	if start < 0 {
		start = 0
	}
	if start >= len(stream) {
		return []*events.Event{}, nil
	}

	end := start + maxCount
	if end > len(stream) {
		end = len(stream)
	}

	result := make([]*events.Event, end-start)
	copy(result, stream[start:end])

	s.metrics.Counter(metrickeys.EventsRead, metrics.Tags{}, int64(len(result)))

	return result, nil
}

func (s *Store) ReadAllEvents(ctx context.Context, afterPosition int64, maxCount int) ([]*eventstore.StoredEvent, error) {
	if maxCount <= 0 {
		maxCount = s.options.MaxEventsPerRead
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	start := int(afterPosition)
	if start < 0 {
		start = 0
	}
	if start >= len(s.feed) {
		return []*eventstore.StoredEvent{}, nil
	}

	end := start + maxCount
	if end > len(s.feed) {
		end = len(s.feed)
	}

	result := make([]*eventstore.StoredEvent, end-start)
	copy(result, s.feed[start:end])

	return result, nil
}

func (s *Store) GetStreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.streams[streamID])), nil
}

func (s *Store) GetStats(ctx context.Context) (*eventstore.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &eventstore.Stats{
		Streams:      int64(len(s.streams)),
		Events:       int64(len(s.feed)),
		LastPosition: int64(len(s.feed)),
	}, nil
}

func (s *Store) Bus() eventstore.Bus {
	return s.bus
}

func (s *Store) Tracer() trace.Tracer {
	return s.options.TracerProvider.Tracer(eventstore.TracerName)
}

func (s *Store) Metrics() metrics.Client {
	return s.metrics
}

func (s *Store) Options() *eventstore.Options {
	return s.options
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, snapshot *eventstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.snapshots[snapshot.StreamID]
	for i, sn := range existing {
		if sn.Version == snapshot.Version {
			existing[i] = snapshot
			return nil
		}
	}

	// Keep snapshots sorted by version; new versions land at the end in
	// practice, so insert from the back.
	i := len(existing)
	for i > 0 && existing[i-1].Version > snapshot.Version {
		i--
	}
	existing = append(existing, nil)
	copy(existing[i+1:], existing[i:])
	existing[i] = snapshot

	s.snapshots[snapshot.StreamID] = existing
	return nil
}

func (s *Store) LoadLatestSnapshot(ctx context.Context, streamID uuid.UUID) (*eventstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := s.snapshots[streamID]
	if len(snapshots) == 0 {
		return nil, eventstore.ErrSnapshotNotFound
	}

	return snapshots[len(snapshots)-1], nil
}

func (s *Store) LoadSnapshotAtVersion(ctx context.Context, streamID uuid.UUID, version int64) (*eventstore.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshots := s.snapshots[streamID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Version <= version {
			return snapshots[i], nil
		}
	}

	return nil, eventstore.ErrSnapshotNotFound
}

func (s *Store) DeleteSnapshotsBefore(ctx context.Context, streamID uuid.UUID, version int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := s.snapshots[streamID]

	kept := snapshots[:0]
	var deleted int64
	for _, sn := range snapshots {
		if sn.Version < version {
			deleted++
			continue
		}
		kept = append(kept, sn)
	}

	if len(kept) == 0 {
		delete(s.snapshots, streamID)
	} else {
		s.snapshots[streamID] = kept
	}

	return deleted, nil
}

func (s *Store) GetSnapshotStats(ctx context.Context, streamID uuid.UUID) (*eventstore.SnapshotStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &eventstore.SnapshotStats{StreamID: streamID}
	for _, sn := range s.snapshots[streamID] {
		stats.TotalSnapshots++
		stats.TotalSizeBytes += int64(len(sn.Data))

		if stats.OldestVersion == 0 || sn.Version < stats.OldestVersion {
			stats.OldestVersion = sn.Version
		}
		if sn.Version > stats.LatestVersion {
			stats.LatestVersion = sn.Version
			createdAt := sn.CreatedAt
			stats.LastSnapshotAt = &createdAt
		}
	}

	return stats, nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, projectionName string) (*cqrs.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.checkpoints[projectionName]
	if !ok {
		return nil, cqrs.ErrCheckpointNotFound
	}

	c := *checkpoint
	return &c, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *cqrs.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *checkpoint
	s.checkpoints[checkpoint.ProjectionName] = &c
	return nil
}
