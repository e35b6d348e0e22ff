package log

const (
	NamespaceKey = "eventcore"

	StreamIDKey        = NamespaceKey + ".stream.id"
	StreamVersionKey   = NamespaceKey + ".stream.version"
	ExpectedVersionKey = NamespaceKey + ".stream.expected_version"

	EventIDKey        = NamespaceKey + ".event.id"
	EventTypeKey      = NamespaceKey + ".event.type"
	SequenceNumberKey = NamespaceKey + ".event.sequence_number"
	PositionKey       = NamespaceKey + ".event.position"
	EventCountKey     = NamespaceKey + ".event.count"

	CommandNameKey = NamespaceKey + ".command.name"
	CommandIDKey   = NamespaceKey + ".command.id"

	QueryNameKey = NamespaceKey + ".query.name"
	QueryIDKey   = NamespaceKey + ".query.id"

	ProjectionKey = NamespaceKey + ".projection.name"
	CheckpointKey = NamespaceKey + ".projection.checkpoint"

	ReplayIDKey      = NamespaceKey + ".replay.id"
	ReplayHandlerKey = NamespaceKey + ".replay.handler"

	SnapshotVersionKey = NamespaceKey + ".snapshot.version"

	CorrelationIDKey = NamespaceKey + ".correlation_id"
	CausationIDKey   = NamespaceKey + ".causation_id"

	SubscriberKey = NamespaceKey + ".bus.subscriber"

	AttemptKey  = NamespaceKey + ".attempt"
	DurationKey = NamespaceKey + ".duration_ms"
)
