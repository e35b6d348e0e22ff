package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/metrics"
)

const (
	DefaultSnapshotCacheSize = 1000
	DefaultSnapshotCacheTTL  = time.Hour
)

// Aggregate is the contract the snapshotter needs to capture and rebuild
// stream state. The aggregate package provides the implementations used by
// command handlers.
type Aggregate interface {
	// ID returns the identifier of the stream the aggregate is built from.
	ID() uuid.UUID

	// Version returns the sequence number of the last applied event, 0 for
	// a fresh aggregate.
	Version() int64

	// ApplyEvent advances the state by one committed event. Implementations
	// must advance Version with each applied event.
	ApplyEvent(event *events.Event) error

	// State returns the serialized current state for snapshotting.
	State() (json.RawMessage, error)

	// Restore resets the aggregate to a previously snapshotted state.
	Restore(version int64, state json.RawMessage) error
}

// Snapshotter wraps a SnapshotStore with an in-memory TTL cache and the
// rebuild logic shared by all backends. Snapshots are an optimization only,
// the event stream stays authoritative.
type Snapshotter struct {
	storage SnapshotStore
	options *Options
	metrics metrics.Client
	cache   *ttlcache.Cache[string, *Snapshot]
}

func NewSnapshotter(storage SnapshotStore, options *Options) *Snapshotter {
	mc := options.Metrics

	c := ttlcache.New(
		ttlcache.WithCapacity[string, *Snapshot](DefaultSnapshotCacheSize),
		ttlcache.WithTTL[string, *Snapshot](DefaultSnapshotCacheTTL),
	)

	c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, *Snapshot]) {
		var reasonS string
		switch reason {
		case ttlcache.EvictionReasonExpired:
			reasonS = "expired"
		case ttlcache.EvictionReasonCapacityReached:
			reasonS = "capacity"
		}

		mc.Counter(metrickeys.SnapshotCacheEviction, metrics.Tags{metrickeys.EvictionReason: reasonS}, 1)
	})

	return &Snapshotter{
		storage: storage,
		options: options,
		metrics: mc,
		cache:   c,
	}
}

// CreateSnapshot captures the aggregate's current state and persists it.
func (s *Snapshotter) CreateSnapshot(ctx context.Context, agg Aggregate) (*Snapshot, error) {
	if agg.Version() <= 0 {
		return nil, fmt.Errorf("cannot snapshot stream %v at version %d", agg.ID(), agg.Version())
	}

	state, err := agg.State()
	if err != nil {
		return nil, fmt.Errorf("capturing state for stream %v: %w", agg.ID(), err)
	}

	snapshot := &Snapshot{
		StreamID:  agg.ID(),
		Version:   agg.Version(),
		Data:      state,
		CreatedAt: s.options.Clock.Now().UTC(),
	}

	if err := s.storage.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}

	s.cache.Set(cacheKey(snapshot.StreamID), snapshot, ttlcache.DefaultTTL)

	s.metrics.Counter(metrickeys.SnapshotsCreated, metrics.Tags{}, 1)
	s.metrics.Gauge(metrickeys.SnapshotCacheSize, metrics.Tags{}, int64(s.cache.Len()))

	return snapshot, nil
}

// LoadLatestSnapshot returns the newest snapshot for the stream, consulting
// the cache first. Returns ErrSnapshotNotFound when the stream has none.
func (s *Snapshotter) LoadLatestSnapshot(ctx context.Context, streamID uuid.UUID) (*Snapshot, error) {
	if item := s.cache.Get(cacheKey(streamID)); item != nil {
		s.metrics.Counter(metrickeys.SnapshotsLoaded, metrics.Tags{}, 1)
		return item.Value(), nil
	}

	snapshot, err := s.storage.LoadLatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, err
	}

	s.cache.Set(cacheKey(streamID), snapshot, ttlcache.DefaultTTL)
	s.metrics.Counter(metrickeys.SnapshotsLoaded, metrics.Tags{}, 1)

	return snapshot, nil
}

// LoadAggregate rebuilds the aggregate from the newest snapshot, if any, and
// replays the events committed after it. Returns ErrStreamNotFound when the
// stream has neither snapshot nor events.
func (s *Snapshotter) LoadAggregate(ctx context.Context, store Store, agg Aggregate) error {
	streamID := agg.ID()

	snapshot, err := s.LoadLatestSnapshot(ctx, streamID)
	switch {
	case err == nil:
		if err := agg.Restore(snapshot.Version, snapshot.Data); err != nil {
			return fmt.Errorf("restoring snapshot for stream %v: %w", streamID, err)
		}
	case errors.Is(err, ErrSnapshotNotFound):
		// Full replay from the beginning of the stream.
	default:
		return err
	}

	return ReplayEvents(ctx, store, agg)
}

// StartEviction starts the cache's expired-item eviction loop and blocks
// until the context is canceled.
func (s *Snapshotter) StartEviction(ctx context.Context) {
	go s.cache.Start()

	<-ctx.Done()

	s.cache.Stop()
}

// ReplayEvents applies the stream's events after the aggregate's current
// version, page by page. Returns ErrStreamNotFound when the aggregate ends
// up at version 0 with no snapshot restored.
func ReplayEvents(ctx context.Context, store Store, agg Aggregate) error {
	streamID := agg.ID()
	loadedFrom := agg.Version()

	pageSize := store.Options().MaxEventsPerRead

	for {
		evts, err := store.ReadEvents(ctx, streamID, agg.Version(), pageSize)
		if err != nil {
			return err
		}

		for _, event := range evts {
			if err := agg.ApplyEvent(event); err != nil {
				return fmt.Errorf("applying event %v to stream %v: %w", event.Metadata.EventID, streamID, err)
			}
		}

		if len(evts) < pageSize {
			break
		}
	}

	if agg.Version() == 0 && loadedFrom == 0 {
		return ErrStreamNotFound
	}

	return nil
}

func cacheKey(streamID uuid.UUID) string {
	return streamID.String()
}
