package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/metrics"
)

// counterAggregate records the applied event types. Enough behavior to test
// snapshotting and replay without the aggregate package.
type counterAggregate struct {
	id      uuid.UUID
	version int64
	applied []events.EventType
}

func (a *counterAggregate) ID() uuid.UUID {
	return a.id
}

func (a *counterAggregate) Version() int64 {
	return a.version
}

func (a *counterAggregate) ApplyEvent(event *events.Event) error {
	if event.Metadata.SequenceNumber != a.version+1 {
		return fmt.Errorf("event %d out of order, expected %d", event.Metadata.SequenceNumber, a.version+1)
	}

	a.applied = append(a.applied, event.Type())
	a.version = event.Metadata.SequenceNumber
	return nil
}

func (a *counterAggregate) State() (json.RawMessage, error) {
	return json.Marshal(a.applied)
}

func (a *counterAggregate) Restore(version int64, state json.RawMessage) error {
	if err := json.Unmarshal(state, &a.applied); err != nil {
		return err
	}

	a.version = version
	return nil
}

type fakeSnapshotStore struct {
	snapshots map[uuid.UUID][]*Snapshot
	loads     int
}

var _ SnapshotStore = (*fakeSnapshotStore)(nil)

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snapshots: map[uuid.UUID][]*Snapshot{}}
}

func (s *fakeSnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	existing := s.snapshots[snapshot.StreamID]
	for i, sn := range existing {
		if sn.Version == snapshot.Version {
			existing[i] = snapshot
			return nil
		}
	}

	s.snapshots[snapshot.StreamID] = append(existing, snapshot)
	sort.Slice(s.snapshots[snapshot.StreamID], func(i, j int) bool {
		return s.snapshots[snapshot.StreamID][i].Version < s.snapshots[snapshot.StreamID][j].Version
	})
	return nil
}

func (s *fakeSnapshotStore) LoadLatestSnapshot(ctx context.Context, streamID uuid.UUID) (*Snapshot, error) {
	s.loads++

	snapshots := s.snapshots[streamID]
	if len(snapshots) == 0 {
		return nil, ErrSnapshotNotFound
	}

	return snapshots[len(snapshots)-1], nil
}

func (s *fakeSnapshotStore) LoadSnapshotAtVersion(ctx context.Context, streamID uuid.UUID, version int64) (*Snapshot, error) {
	snapshots := s.snapshots[streamID]
	for i := len(snapshots) - 1; i >= 0; i-- {
		if snapshots[i].Version <= version {
			return snapshots[i], nil
		}
	}

	return nil, ErrSnapshotNotFound
}

func (s *fakeSnapshotStore) DeleteSnapshotsBefore(ctx context.Context, streamID uuid.UUID, version int64) (int64, error) {
	var kept []*Snapshot
	var deleted int64
	for _, sn := range s.snapshots[streamID] {
		if sn.Version < version {
			deleted++
			continue
		}
		kept = append(kept, sn)
	}

	s.snapshots[streamID] = kept
	return deleted, nil
}

func (s *fakeSnapshotStore) GetSnapshotStats(ctx context.Context, streamID uuid.UUID) (*SnapshotStats, error) {
	stats := &SnapshotStats{StreamID: streamID}
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

// fakeStore serves ReadEvents from an in-memory slice per stream.
type fakeStore struct {
	options *Options
	streams map[uuid.UUID][]*events.Event
	reads   []int64
}

var _ Store = (*fakeStore)(nil)

func newFakeStore(options *Options) *fakeStore {
	return &fakeStore{
		options: options,
		streams: map[uuid.UUID][]*events.Event{},
	}
}

func (s *fakeStore) AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion *int64, evts []*events.Event) (int64, error) {
	s.streams[streamID] = append(s.streams[streamID], evts...)
	return int64(len(s.streams[streamID])), nil
}

func (s *fakeStore) ReadEvents(ctx context.Context, streamID uuid.UUID, fromVersion int64, maxCount int) ([]*events.Event, error) {
	s.reads = append(s.reads, fromVersion)

	if maxCount <= 0 {
		maxCount = s.options.MaxEventsPerRead
	}

	var out []*events.Event
	for _, event := range s.streams[streamID] {
		if event.Metadata.SequenceNumber <= fromVersion {
			continue
		}

		out = append(out, event)
		if len(out) == maxCount {
			break
		}
	}

	return out, nil
}

func (s *fakeStore) ReadAllEvents(ctx context.Context, afterPosition int64, maxCount int) ([]*StoredEvent, error) {
	return nil, nil
}

func (s *fakeStore) GetStreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error) {
	return int64(len(s.streams[streamID])), nil
}

func (s *fakeStore) GetStats(ctx context.Context) (*Stats, error) {
	return &Stats{}, nil
}

func (s *fakeStore) Bus() Bus {
	return nil
}

func (s *fakeStore) Tracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer(TracerName)
}

func (s *fakeStore) Metrics() metrics.Client {
	return s.options.Metrics
}

func (s *fakeStore) Options() *Options {
	return s.options
}

func (s *fakeStore) Close() error {
	return nil
}

func seedStream(t *testing.T, store *fakeStore, streamID uuid.UUID, n int) {
	t.Helper()

	_, err := store.AppendEvents(context.Background(), streamID, nil, testEvents(t, streamID, n))
	require.NoError(t, err)
}

func TestSnapshotterCreateSnapshot(t *testing.T) {
	t.Run("rejects fresh aggregate", func(t *testing.T) {
		snapshotter := NewSnapshotter(newFakeSnapshotStore(), ApplyOptions())

		_, err := snapshotter.CreateSnapshot(context.Background(), &counterAggregate{id: uuid.New()})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "version 0")
	})

	t.Run("persists current state", func(t *testing.T) {
		mockClock := clock.NewMock()
		mockClock.Set(time.Date(2025, 3, 7, 12, 0, 0, 0, time.UTC))

		storage := newFakeSnapshotStore()
		snapshotter := NewSnapshotter(storage, ApplyOptions(WithClock(mockClock)))

		agg := &counterAggregate{
			id:      uuid.New(),
			version: 3,
			applied: []events.EventType{events.EventTypeWorkflowCreated, events.EventTypeExecutionStarted, events.EventTypeTaskCreated},
		}

		snapshot, err := snapshotter.CreateSnapshot(context.Background(), agg)
		require.NoError(t, err)

		assert.Equal(t, agg.id, snapshot.StreamID)
		assert.Equal(t, int64(3), snapshot.Version)
		assert.Equal(t, mockClock.Now().UTC(), snapshot.CreatedAt)

		stored, err := storage.LoadLatestSnapshot(context.Background(), agg.id)
		require.NoError(t, err)
		assert.Equal(t, snapshot, stored)
	})
}

func TestSnapshotterLoadLatestSnapshot(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		snapshotter := NewSnapshotter(newFakeSnapshotStore(), ApplyOptions())

		_, err := snapshotter.LoadLatestSnapshot(context.Background(), uuid.New())
		assert.ErrorIs(t, err, ErrSnapshotNotFound)
	})

	t.Run("caches loaded snapshots", func(t *testing.T) {
		storage := newFakeSnapshotStore()
		snapshotter := NewSnapshotter(storage, ApplyOptions())

		agg := &counterAggregate{id: uuid.New(), version: 2, applied: []events.EventType{events.EventTypeWorkflowCreated, events.EventTypeExecutionStarted}}
		_, err := snapshotter.CreateSnapshot(context.Background(), agg)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			snapshot, err := snapshotter.LoadLatestSnapshot(context.Background(), agg.id)
			require.NoError(t, err)
			assert.Equal(t, int64(2), snapshot.Version)
		}

		// CreateSnapshot primed the cache, so storage is never hit.
		assert.Equal(t, 0, storage.loads)
	})

	t.Run("hits storage once on a cold cache", func(t *testing.T) {
		storage := newFakeSnapshotStore()

		writer := NewSnapshotter(storage, ApplyOptions())
		agg := &counterAggregate{id: uuid.New(), version: 4, applied: []events.EventType{events.EventTypeWorkflowCreated}}
		_, err := writer.CreateSnapshot(context.Background(), agg)
		require.NoError(t, err)

		reader := NewSnapshotter(storage, ApplyOptions())
		for i := 0; i < 3; i++ {
			_, err := reader.LoadLatestSnapshot(context.Background(), agg.id)
			require.NoError(t, err)
		}

		assert.Equal(t, 1, storage.loads)
	})
}

func TestSnapshotterLoadAggregate(t *testing.T) {
	t.Run("missing stream", func(t *testing.T) {
		options := ApplyOptions()
		snapshotter := NewSnapshotter(newFakeSnapshotStore(), options)
		store := newFakeStore(options)

		err := snapshotter.LoadAggregate(context.Background(), store, &counterAggregate{id: uuid.New()})
		assert.ErrorIs(t, err, ErrStreamNotFound)
	})

	t.Run("full replay without snapshot", func(t *testing.T) {
		options := ApplyOptions()
		snapshotter := NewSnapshotter(newFakeSnapshotStore(), options)
		store := newFakeStore(options)

		streamID := uuid.New()
		seedStream(t, store, streamID, 5)

		agg := &counterAggregate{id: streamID}
		err := snapshotter.LoadAggregate(context.Background(), store, agg)
		require.NoError(t, err)

		assert.Equal(t, int64(5), agg.version)
		assert.Len(t, agg.applied, 5)
	})

	t.Run("snapshot plus newer events", func(t *testing.T) {
		options := ApplyOptions()
		storage := newFakeSnapshotStore()
		snapshotter := NewSnapshotter(storage, options)
		store := newFakeStore(options)

		streamID := uuid.New()
		seedStream(t, store, streamID, 5)

		snapshotted := &counterAggregate{id: streamID}
		for _, event := range store.streams[streamID][:3] {
			require.NoError(t, snapshotted.ApplyEvent(event))
		}
		_, err := snapshotter.CreateSnapshot(context.Background(), snapshotted)
		require.NoError(t, err)

		agg := &counterAggregate{id: streamID}
		err = snapshotter.LoadAggregate(context.Background(), store, agg)
		require.NoError(t, err)

		assert.Equal(t, int64(5), agg.version)
		assert.Len(t, agg.applied, 5)

		// Replay started after the snapshot version.
		require.NotEmpty(t, store.reads)
		assert.Equal(t, int64(3), store.reads[0])
	})

	t.Run("snapshot with no newer events", func(t *testing.T) {
		options := ApplyOptions()
		storage := newFakeSnapshotStore()
		snapshotter := NewSnapshotter(storage, options)
		store := newFakeStore(options)

		streamID := uuid.New()
		seedStream(t, store, streamID, 3)

		snapshotted := &counterAggregate{id: streamID}
		for _, event := range store.streams[streamID] {
			require.NoError(t, snapshotted.ApplyEvent(event))
		}
		_, err := snapshotter.CreateSnapshot(context.Background(), snapshotted)
		require.NoError(t, err)

		agg := &counterAggregate{id: streamID}
		err = snapshotter.LoadAggregate(context.Background(), store, agg)
		require.NoError(t, err)
		assert.Equal(t, int64(3), agg.version)
	})

	t.Run("pages through long streams", func(t *testing.T) {
		options := ApplyOptions(WithMaxEventsPerRead(2))
		snapshotter := NewSnapshotter(newFakeSnapshotStore(), options)
		store := newFakeStore(options)

		streamID := uuid.New()
		seedStream(t, store, streamID, 5)

		agg := &counterAggregate{id: streamID}
		err := snapshotter.LoadAggregate(context.Background(), store, agg)
		require.NoError(t, err)

		assert.Equal(t, int64(5), agg.version)
		assert.Equal(t, []int64{0, 2, 4}, store.reads)
	})
}

func TestReplayEventsMatchesSnapshotLoad(t *testing.T) {
	options := ApplyOptions()
	storage := newFakeSnapshotStore()
	snapshotter := NewSnapshotter(storage, options)
	store := newFakeStore(options)

	streamID := uuid.New()
	seedStream(t, store, streamID, 7)

	snapshotted := &counterAggregate{id: streamID}
	for _, event := range store.streams[streamID][:4] {
		require.NoError(t, snapshotted.ApplyEvent(event))
	}
	_, err := snapshotter.CreateSnapshot(context.Background(), snapshotted)
	require.NoError(t, err)

	fromSnapshot := &counterAggregate{id: streamID}
	require.NoError(t, snapshotter.LoadAggregate(context.Background(), store, fromSnapshot))

	fromScratch := &counterAggregate{id: streamID}
	require.NoError(t, ReplayEvents(context.Background(), store, fromScratch))

	assert.Equal(t, fromScratch.version, fromSnapshot.version)
	assert.Equal(t, fromScratch.applied, fromSnapshot.applied)
}
