package metrickeys

const (
	Prefix = "eventcore."

	// Event store
	EventsAppended  = Prefix + "events.appended"
	EventsRead      = Prefix + "events.read"
	AppendConflicts = Prefix + "events.append.conflicts"
	AppendDuration  = Prefix + "events.append.duration"

	// Event bus
	BusEventsPublished  = Prefix + "bus.events.published"
	BusSubscriberErrors = Prefix + "bus.subscriber.errors"

	// Snapshots
	SnapshotsCreated      = Prefix + "snapshots.created"
	SnapshotsLoaded       = Prefix + "snapshots.loaded"
	SnapshotCacheSize     = Prefix + "snapshots.cache.size"
	SnapshotCacheEviction = Prefix + "snapshots.cache.eviction"

	// Commands & queries
	CommandsExecuted = Prefix + "commands.executed"
	CommandsFailed   = Prefix + "commands.failed"
	CommandDuration  = Prefix + "commands.duration"

	QueriesExecuted    = Prefix + "queries.executed"
	QueriesFailed      = Prefix + "queries.failed"
	QueryDuration      = Prefix + "queries.duration"
	QueryCacheHits     = Prefix + "queries.cache.hits"
	QueryCacheMisses   = Prefix + "queries.cache.misses"
	QueryCacheSize     = Prefix + "queries.cache.size"
	QueryCacheEviction = Prefix + "queries.cache.eviction"

	// Projections
	ProjectionEventsProcessed = Prefix + "projections.events.processed"
	ProjectionEventsFailed    = Prefix + "projections.events.failed"
	ProjectionBatchDuration   = Prefix + "projections.batch.duration"
	ReadModelsUpdated         = Prefix + "readmodels.updated"

	// Replay
	ReplayEventsReplayed  = Prefix + "replay.events.replayed"
	ReplayEventsFailed    = Prefix + "replay.events.failed"
	ReplayStreamsReplayed = Prefix + "replay.streams.replayed"
	ReplayStreamsFailed   = Prefix + "replay.streams.failed"
	ReplayDuration        = Prefix + "replay.duration"
)

// Tag names
const (
	// Backend being used
	Backend = "backend"

	// Reason for evicting an entry from a cache
	EvictionReason = "reason"

	EventType  = "event_type"
	Command    = "command"
	Query      = "query"
	Projection = "projection"
)
