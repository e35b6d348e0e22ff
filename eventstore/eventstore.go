package eventstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/metrics"
)

var (
	ErrStreamNotFound   = errors.New("stream not found")
	ErrEventNotFound    = errors.New("event not found")
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

const TracerName = "eventcore"

// StoredEvent pairs an event with its global commit position. Position is
// assigned by the backend, strictly increases with commit order, and is only
// meaningful to the backend that produced it. Projections use it for
// checkpoints.
type StoredEvent struct {
	Position int64
	Event    *events.Event
}

// Stats are aggregate counts about a store.
type Stats struct {
	Streams      int64
	Events       int64
	LastPosition int64
}

// Store is the append-only event log. One stream per aggregate instance,
// optimistic concurrency on append.
type Store interface {
	// AppendEvents appends events to a stream in one transaction. When
	// expectedVersion is non-nil and the stream's current version differs,
	// the append fails with *ConcurrencyError and nothing is written. A nil
	// expectedVersion appends unconditionally; that is reserved for
	// administrative writers. Events are assigned consecutive sequence
	// numbers starting at current version + 1. After the commit the events
	// are published to the store's event bus, best-effort. Returns the new
	// stream version.
	AppendEvents(ctx context.Context, streamID uuid.UUID, expectedVersion *int64, evts []*events.Event) (int64, error)

	// ReadEvents returns the stream's events with sequence numbers greater
	// than fromVersion, in ascending sequence order. A maxCount <= 0 uses
	// the store's MaxEventsPerRead option.
	ReadEvents(ctx context.Context, streamID uuid.UUID, fromVersion int64, maxCount int) ([]*events.Event, error)

	// ReadAllEvents returns events across all streams with positions greater
	// than afterPosition, in commit order. Per-stream sequence order is
	// preserved; no cross-stream order is implied.
	ReadAllEvents(ctx context.Context, afterPosition int64, maxCount int) ([]*StoredEvent, error)

	// GetStreamVersion returns the stream's current version, 0 for absent
	// streams.
	GetStreamVersion(ctx context.Context, streamID uuid.UUID) (int64, error)

	// GetStats returns stats about the store
	GetStats(ctx context.Context) (*Stats, error)

	// Bus returns the event bus committed events are published to
	Bus() Bus

	// Tracer returns the configured tracer for the store
	Tracer() trace.Tracer

	// Metrics returns the configured metrics client for the store
	Metrics() metrics.Client

	// Options returns the configured options for the store
	Options() *Options

	// Close closes any underlying resources
	Close() error
}

// Snapshot is a cached fold of a stream's events up to a version. Never
// authoritative; always reproducible by full replay.
type Snapshot struct {
	StreamID  uuid.UUID `json:"stream_id"`
	Version   int64     `json:"snapshot_version"`
	Data      []byte    `json:"snapshot_data"`
	Metadata  []byte    `json:"snapshot_metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotStats describe the snapshots kept for one stream.
type SnapshotStats struct {
	StreamID       uuid.UUID  `json:"stream_id"`
	TotalSnapshots int64      `json:"total_snapshots"`
	LatestVersion  int64      `json:"latest_version"`
	OldestVersion  int64      `json:"oldest_version"`
	TotalSizeBytes int64      `json:"total_size_bytes"`
	LastSnapshotAt *time.Time `json:"last_snapshot_at,omitempty"`
}

// SnapshotStore persists point-in-time aggregate state keyed by stream and
// version.
type SnapshotStore interface {
	// SaveSnapshot stores a snapshot, replacing an existing one for the
	// same stream and version.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// LoadLatestSnapshot returns the newest snapshot for the stream, or
	// ErrSnapshotNotFound.
	LoadLatestSnapshot(ctx context.Context, streamID uuid.UUID) (*Snapshot, error)

	// LoadSnapshotAtVersion returns the newest snapshot with a version not
	// greater than the given one, or ErrSnapshotNotFound.
	LoadSnapshotAtVersion(ctx context.Context, streamID uuid.UUID, version int64) (*Snapshot, error)

	// DeleteSnapshotsBefore removes snapshots older than the given version
	// and returns how many were removed.
	DeleteSnapshotsBefore(ctx context.Context, streamID uuid.UUID, version int64) (int64, error)

	// GetSnapshotStats returns snapshot statistics for the stream
	GetSnapshotStats(ctx context.Context, streamID uuid.UUID) (*SnapshotStats, error)
}
