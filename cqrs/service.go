package cqrs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/readmodel"
)

// Service is the single object collaborators talk to: commands in, queries
// out, projections keeping the read models current in between.
type Service struct {
	store       eventstore.Store
	readModels  readmodel.Store
	snapshotter *eventstore.Snapshotter
	commands    *CommandBus
	queries     *QueryBus
	projections *ProjectionManager
	options     *Options
	tracer      trace.Tracer
}

// HealthStatus reports per-component and overall health.
type HealthStatus struct {
	OverallHealthy        bool      `json:"overall_healthy"`
	CommandBusHealthy     bool      `json:"command_bus_healthy"`
	QueryBusHealthy       bool      `json:"query_bus_healthy"`
	ProjectionsHealthy    bool      `json:"projections_healthy"`
	ReadModelStoreHealthy bool      `json:"read_model_store_healthy"`
	LastCheck             time.Time `json:"last_check"`
}

// Metrics is a point-in-time snapshot of the service's counters.
type Metrics struct {
	CommandsExecuted   int64 `json:"commands_executed"`
	CommandsFailed     int64 `json:"commands_failed"`
	QueriesExecuted    int64 `json:"queries_executed"`
	QueriesFailed      int64 `json:"queries_failed"`
	EventsProjected    int64 `json:"events_projected"`
	ProjectionFailures int64 `json:"projection_failures"`
	ReadModelsUpdated  int64 `json:"read_models_updated"`
	CacheHits          int64 `json:"cache_hits"`
	CacheMisses        int64 `json:"cache_misses"`

	AverageCommandDurationMS float64 `json:"average_command_duration_ms"`
	AverageQueryDurationMS   float64 `json:"average_query_duration_ms"`
}

// ExecuteCommand dispatches the command through the command bus under the
// configured timeout.
func (s *Service) ExecuteCommand(ctx context.Context, cmd Command) (*CommandResult, error) {
	ctx, span := s.tracer.Start(ctx, "eventcore.Service.ExecuteCommand", trace.WithAttributes(
		attribute.String(log.CommandNameKey, cmd.CommandName()),
		attribute.String(log.CommandIDKey, cmd.CommandID().String()),
	))
	defer span.End()

	result, err := s.commands.Execute(ctx, cmd)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return result, nil
}

// ExecuteQuery dispatches the query through the query bus under the
// configured timeout, serving it from the result cache when possible.
func (s *Service) ExecuteQuery(ctx context.Context, query Query) (any, error) {
	ctx, span := s.tracer.Start(ctx, "eventcore.Service.ExecuteQuery", trace.WithAttributes(
		attribute.String(log.QueryNameKey, query.QueryName()),
		attribute.String(log.QueryIDKey, query.QueryID().String()),
	))
	defer span.End()

	result, err := s.queries.Execute(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return result, nil
}

func (s *Service) RegisterCommandHandler(commandName string, handler CommandHandler) {
	s.commands.RegisterHandler(commandName, handler)
}

func (s *Service) RegisterQueryHandler(queryName string, handler QueryHandler) {
	s.queries.RegisterHandler(queryName, handler)
}

func (s *Service) RegisterProjection(projection Projection) {
	s.projections.RegisterProjection(projection)
}

// StartProjections starts the projection consumers. Idempotent.
func (s *Service) StartProjections(ctx context.Context) error {
	return s.projections.Start(ctx)
}

// StopProjections stops the consumers and waits for them to drain.
// Idempotent.
func (s *Service) StopProjections() {
	s.projections.Stop()
}

// HealthCheck reports overall health as the conjunction of the command bus,
// query bus, projections, and read-model store.
func (s *Service) HealthCheck(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		CommandBusHealthy:     s.commands.HandlerCount() > 0,
		QueryBusHealthy:       s.queries.HandlerCount() > 0,
		ProjectionsHealthy:    s.projections.Healthy(),
		ReadModelStoreHealthy: s.readModels.HealthCheck(ctx) == nil,
		LastCheck:             s.options.Clock.Now().UTC(),
	}

	status.OverallHealthy = status.CommandBusHealthy &&
		status.QueryBusHealthy &&
		status.ProjectionsHealthy &&
		status.ReadModelStoreHealthy

	return status
}

// Metrics snapshots the service counters.
func (s *Service) Metrics() *Metrics {
	m := &Metrics{
		CommandsExecuted:   s.commands.executed.Load(),
		CommandsFailed:     s.commands.failed.Load(),
		QueriesExecuted:    s.queries.executed.Load(),
		QueriesFailed:      s.queries.failed.Load(),
		EventsProjected:    s.projections.EventsProcessed(),
		ProjectionFailures: s.projections.EventsFailed(),
		ReadModelsUpdated:  s.projections.ReadModelsUpdated(),
		CacheHits:          s.queries.cacheHits.Load(),
		CacheMisses:        s.queries.cacheMisses.Load(),
	}

	if m.CommandsExecuted > 0 {
		m.AverageCommandDurationMS = float64(s.commands.totalDurationMS.Load()) / float64(m.CommandsExecuted)
	}

	if m.QueriesExecuted > 0 {
		m.AverageQueryDurationMS = float64(s.queries.totalDurationMS.Load()) / float64(m.QueriesExecuted)
	}

	return m
}

// ProjectionStatus returns the per-projection consumer snapshots.
func (s *Service) ProjectionStatus() map[string]*ProjectionStatus {
	return s.projections.Status()
}

// Store returns the event store the service writes to.
func (s *Service) Store() eventstore.Store {
	return s.store
}

// ReadModels returns the read-model store the service queries.
func (s *Service) ReadModels() readmodel.Store {
	return s.readModels
}

// CommandBus exposes the underlying command bus for advanced wiring.
func (s *Service) CommandBus() *CommandBus {
	return s.commands
}

// QueryBus exposes the underlying query bus for advanced wiring.
func (s *Service) QueryBus() *QueryBus {
	return s.queries
}

// Snapshotter returns the snapshotter, nil when the event store provides no
// snapshot storage.
func (s *Service) Snapshotter() *eventstore.Snapshotter {
	return s.snapshotter
}

// ServiceBuilder wires a Service. Event store and read-model store are
// required; snapshot and checkpoint stores are taken from the event store
// when it implements them.
type ServiceBuilder struct {
	store       eventstore.Store
	snapshots   eventstore.SnapshotStore
	checkpoints CheckpointStore
	readModels  readmodel.Store
	opts        []Option

	workflowDefaults bool
}

func NewServiceBuilder() *ServiceBuilder {
	return &ServiceBuilder{}
}

func (b *ServiceBuilder) WithEventStore(store eventstore.Store) *ServiceBuilder {
	b.store = store
	return b
}

func (b *ServiceBuilder) WithSnapshotStore(snapshots eventstore.SnapshotStore) *ServiceBuilder {
	b.snapshots = snapshots
	return b
}

func (b *ServiceBuilder) WithCheckpointStore(checkpoints CheckpointStore) *ServiceBuilder {
	b.checkpoints = checkpoints
	return b
}

func (b *ServiceBuilder) WithReadModelStore(readModels readmodel.Store) *ServiceBuilder {
	b.readModels = readModels
	return b
}

func (b *ServiceBuilder) WithOptions(opts ...Option) *ServiceBuilder {
	b.opts = append(b.opts, opts...)
	return b
}

// WithWorkflowDefaults registers the built-in workflow command handlers,
// query handlers, and projection on Build.
func (b *ServiceBuilder) WithWorkflowDefaults() *ServiceBuilder {
	b.workflowDefaults = true
	return b
}

// Build validates the wiring and constructs the service. Returns
// *eventstore.ConfigurationError when a required store is missing.
func (b *ServiceBuilder) Build() (*Service, error) {
	if b.store == nil {
		return nil, &eventstore.ConfigurationError{Reason: "event store is required"}
	}

	if b.readModels == nil {
		return nil, &eventstore.ConfigurationError{Reason: "read-model store is required"}
	}

	snapshots := b.snapshots
	if snapshots == nil {
		snapshots, _ = b.store.(eventstore.SnapshotStore)
	}

	checkpoints := b.checkpoints
	if checkpoints == nil {
		checkpoints, _ = b.store.(CheckpointStore)
	}
	if checkpoints == nil {
		return nil, &eventstore.ConfigurationError{Reason: "checkpoint store is required: the event store does not provide one"}
	}

	options := ApplyOptions(b.opts...)

	var snapshotter *eventstore.Snapshotter
	if snapshots != nil {
		snapshotter = eventstore.NewSnapshotter(snapshots, b.store.Options())
	}

	s := &Service{
		store:       b.store,
		readModels:  b.readModels,
		snapshotter: snapshotter,
		commands:    NewCommandBus(options),
		queries:     NewQueryBus(options),
		projections: NewProjectionManager(b.store, checkpoints, b.readModels, options),
		options:     options,
		tracer:      options.TracerProvider.Tracer(eventstore.TracerName),
	}

	if b.workflowDefaults {
		RegisterWorkflowHandlers(s.commands, NewWorkflowCommandHandler(b.store, snapshotter))
		RegisterWorkflowQueryHandlers(s.queries, NewWorkflowQueryHandler(b.readModels))
		s.projections.RegisterProjection(NewWorkflowProjection())
	}

	return s, nil
}
