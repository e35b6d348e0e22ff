package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/metrics"
	"github.com/freedeepresearch/eventcore/readmodel"
)

// ProjectionStatus is a point-in-time view of one projection consumer.
type ProjectionStatus struct {
	Name                    string    `json:"name"`
	Running                 bool      `json:"is_running"`
	LastProcessedEventID    uuid.UUID `json:"last_processed_event_id"`
	LastCheckpoint          time.Time `json:"last_checkpoint"`
	Position                int64     `json:"position"`
	EventsProcessed         int64     `json:"events_processed"`
	EventsFailed            int64     `json:"events_failed"`
	LastError               string    `json:"last_error,omitempty"`
	ProcessingRatePerSecond float64   `json:"processing_rate_per_second"`
}

// ProjectionManager runs one consumer goroutine per registered projection.
// Each consumer tails the store's global feed from its own checkpoint, so
// projections progress independently and resume where they stopped after a
// restart. Delivery is at-least-once; a stream's events arrive in sequence
// order.
type ProjectionManager struct {
	store       eventstore.Store
	checkpoints CheckpointStore
	readModels  readmodel.Store
	options     *Options
	logger      *slog.Logger

	// sem bounds how many consumers apply a batch at the same time.
	sem chan struct{}

	mu          sync.Mutex
	projections map[string]Projection
	consumers   map[string]*projectionConsumer
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool

	eventsProcessed   atomic.Int64
	eventsFailed      atomic.Int64
	readModelsUpdated atomic.Int64
}

func NewProjectionManager(store eventstore.Store, checkpoints CheckpointStore, readModels readmodel.Store, options *Options) *ProjectionManager {
	if options == nil {
		options = ApplyOptions()
	}

	return &ProjectionManager{
		store:       store,
		checkpoints: checkpoints,
		readModels:  readModels,
		options:     options,
		logger:      options.Logger,
		sem:         make(chan struct{}, max(1, options.MaxConcurrentProjections)),
		projections: map[string]Projection{},
		consumers:   map[string]*projectionConsumer{},
	}
}

// RegisterProjection adds the projection under its name, replacing any
// earlier registration. Projections registered while the manager runs join on
// the next Start.
func (m *ProjectionManager) RegisterProjection(p Projection) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.projections[p.Name()] = p

	m.logger.Debug("registered projection", log.ProjectionKey, p.Name())
}

// Start initializes every registered projection, loads its checkpoint, and
// starts its consumer. Starting an already running manager is a no-op.
// Consumers stop when ctx is canceled or Stop is called.
func (m *ProjectionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)

	consumers := make([]*projectionConsumer, 0, len(m.projections))
	for _, projection := range m.projections {
		if err := projection.Initialize(ctx, m.readModels); err != nil {
			cancel()
			return fmt.Errorf("initializing projection %q: %w", projection.Name(), err)
		}

		checkpoint, err := m.loadCheckpoint(ctx, projection.Name())
		if err != nil {
			cancel()
			return err
		}

		consumers = append(consumers, newProjectionConsumer(projection, checkpoint, m.options.Clock.Now()))
	}

	m.consumers = map[string]*projectionConsumer{}
	for _, consumer := range consumers {
		m.consumers[consumer.projection.Name()] = consumer

		m.wg.Add(1)
		go m.runConsumer(runCtx, consumer)
	}

	m.cancel = cancel
	m.running = true

	m.logger.Debug("projection manager started", "projections", len(consumers))

	return nil
}

// Stop cancels the consumers and waits for them to drain. Idempotent.
func (m *ProjectionManager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}

	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.logger.Debug("projection manager stopped")
}

// Running reports whether consumers are active.
func (m *ProjectionManager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.running
}

// Healthy reports whether no projection is stuck on an event it cannot
// apply.
func (m *ProjectionManager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, consumer := range m.consumers {
		if consumer.lastError() != "" {
			return false
		}
	}

	return true
}

// Status returns a snapshot per registered projection, keyed by name.
func (m *ProjectionManager) Status() map[string]*ProjectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := make(map[string]*ProjectionStatus, len(m.consumers))
	for name, consumer := range m.consumers {
		status[name] = consumer.status(m.running, m.options.Clock.Now())
	}

	return status
}

func (m *ProjectionManager) loadCheckpoint(ctx context.Context, projectionName string) (Checkpoint, error) {
	checkpoint, err := m.checkpoints.LoadCheckpoint(ctx, projectionName)
	switch {
	case err == nil:
		return *checkpoint, nil
	case errors.Is(err, ErrCheckpointNotFound):
		return Checkpoint{ProjectionName: projectionName}, nil
	default:
		return Checkpoint{}, fmt.Errorf("loading checkpoint for projection %q: %w", projectionName, err)
	}
}

func (m *ProjectionManager) runConsumer(ctx context.Context, c *projectionConsumer) {
	defer m.wg.Done()

	ticker := m.options.Clock.Ticker(m.options.ProjectionPollInterval)
	defer ticker.Stop()

	for {
		drained, err := m.processBatch(ctx, c)
		if err != nil && ctx.Err() == nil {
			m.logger.ErrorContext(ctx, "projection batch failed",
				log.ProjectionKey, c.projection.Name(),
				log.CheckpointKey, c.position(),
				"error", err)
		}

		// A full batch means there is backlog; keep pulling without waiting
		// for the next tick.
		if err == nil && !drained && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// processBatch pulls one batch from the global feed and applies it. Returns
// drained=true when the feed had less than a full batch, meaning the consumer
// caught up.
func (m *ProjectionManager) processBatch(ctx context.Context, c *projectionConsumer) (bool, error) {
	batch, err := m.store.ReadAllEvents(ctx, c.position(), m.options.ProjectionBatchSize)
	if err != nil {
		return true, fmt.Errorf("reading event feed: %w", err)
	}

	if len(batch) == 0 {
		return true, nil
	}

	select {
	case m.sem <- struct{}{}:
	case <-ctx.Done():
		return true, ctx.Err()
	}
	defer func() { <-m.sem }()

	start := m.options.Clock.Now()
	name := c.projection.Name()

	var applyErr error
	for _, stored := range batch {
		if ctx.Err() != nil {
			break
		}

		if !c.consumes(stored.Event.Type()) {
			// Not consumed, but the checkpoint still advances past it.
			c.advance(stored)
			continue
		}

		if err := m.applyEvent(ctx, c, stored); err != nil {
			// Poison pill: the checkpoint must not advance past a failed
			// event, so stop the batch here and retry it next poll.
			applyErr = fmt.Errorf("applying event %v: %w", stored.Event.Metadata.EventID, err)
			c.recordFailure(err)
			m.eventsFailed.Add(1)
			m.options.Metrics.Counter(metrickeys.ProjectionEventsFailed, metrics.Tags{metrickeys.Projection: name}, 1)

			m.logger.ErrorContext(ctx, "projection failed to apply event",
				log.ProjectionKey, name,
				log.EventIDKey, stored.Event.Metadata.EventID,
				log.EventTypeKey, string(stored.Event.Type()),
				log.PositionKey, stored.Position,
				"error", err)

			break
		}

		c.recordProcessed(stored)
		m.eventsProcessed.Add(1)
		m.readModelsUpdated.Add(1)
		m.options.Metrics.Counter(metrickeys.ProjectionEventsProcessed, metrics.Tags{metrickeys.Projection: name}, 1)
		m.options.Metrics.Counter(metrickeys.ReadModelsUpdated, metrics.Tags{metrickeys.Projection: name}, 1)
	}

	m.options.Metrics.Timing(metrickeys.ProjectionBatchDuration, metrics.Tags{metrickeys.Projection: name}, m.options.Clock.Since(start))

	if err := m.saveCheckpoint(ctx, c); err != nil && ctx.Err() == nil {
		m.logger.ErrorContext(ctx, "saving projection checkpoint failed",
			log.ProjectionKey, name,
			log.CheckpointKey, c.position(),
			"error", err)
	}

	if applyErr != nil {
		return true, applyErr
	}

	return len(batch) < m.options.ProjectionBatchSize, nil
}

func (m *ProjectionManager) applyEvent(ctx context.Context, c *projectionConsumer, stored *eventstore.StoredEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("projection apply panic",
				log.ProjectionKey, c.projection.Name(),
				log.EventIDKey, stored.Event.Metadata.EventID,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(goerrors.New(r).Stack()),
			)

			err = fmt.Errorf("panic in projection apply: %v", r)
		}
	}()

	for _, p := range m.options.Propagators {
		if ctx, err = p.Extract(ctx, &stored.Event.Metadata); err != nil {
			return fmt.Errorf("extracting propagated context: %w", err)
		}
	}

	return c.projection.Apply(ctx, stored.Event, m.readModels)
}

func (m *ProjectionManager) saveCheckpoint(ctx context.Context, c *projectionConsumer) error {
	checkpoint := c.snapshotCheckpoint(m.options.Clock.Now().UTC())

	return m.checkpoints.SaveCheckpoint(ctx, &checkpoint)
}

// EventsProcessed returns the number of events applied since construction.
func (m *ProjectionManager) EventsProcessed() int64 {
	return m.eventsProcessed.Load()
}

// EventsFailed returns the number of failed applies since construction.
func (m *ProjectionManager) EventsFailed() int64 {
	return m.eventsFailed.Load()
}

// ReadModelsUpdated returns the number of read-model writes attributed to
// applied events since construction.
func (m *ProjectionManager) ReadModelsUpdated() int64 {
	return m.readModelsUpdated.Load()
}

// projectionConsumer is the per-projection progress state shared between the
// consumer goroutine and Status callers.
type projectionConsumer struct {
	projection Projection
	types      map[events.EventType]struct{}

	mu         sync.Mutex
	checkpoint Checkpoint
	startedAt  time.Time
	processed  int64
	failed     int64
}

func newProjectionConsumer(projection Projection, checkpoint Checkpoint, startedAt time.Time) *projectionConsumer {
	types := map[events.EventType]struct{}{}
	for _, t := range projection.EventTypes() {
		types[t] = struct{}{}
	}

	return &projectionConsumer{
		projection: projection,
		types:      types,
		checkpoint: checkpoint,
		startedAt:  startedAt,
	}
}

// consumes reports whether the projection handles this event type. An empty
// type list consumes everything.
func (c *projectionConsumer) consumes(eventType events.EventType) bool {
	if len(c.types) == 0 {
		return true
	}

	_, ok := c.types[eventType]

	return ok
}

func (c *projectionConsumer) position() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checkpoint.Position
}

// advance moves the checkpoint past an event without counting it processed.
func (c *projectionConsumer) advance(stored *eventstore.StoredEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkpoint.Position = stored.Position
	c.checkpoint.LastEventID = stored.Event.Metadata.EventID
}

func (c *projectionConsumer) recordProcessed(stored *eventstore.StoredEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkpoint.Position = stored.Position
	c.checkpoint.LastEventID = stored.Event.Metadata.EventID
	c.checkpoint.LastError = ""
	c.processed++
}

func (c *projectionConsumer) recordFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkpoint.ErrorCount++
	c.checkpoint.LastError = err.Error()
	c.failed++
}

func (c *projectionConsumer) lastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.checkpoint.LastError
}

func (c *projectionConsumer) snapshotCheckpoint(now time.Time) Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	checkpoint := c.checkpoint
	checkpoint.Timestamp = now

	return checkpoint
}

func (c *projectionConsumer) status(running bool, now time.Time) *ProjectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rate float64
	if elapsed := now.Sub(c.startedAt).Seconds(); elapsed > 0 {
		rate = float64(c.processed) / elapsed
	}

	return &ProjectionStatus{
		Name:                    c.projection.Name(),
		Running:                 running,
		LastProcessedEventID:    c.checkpoint.LastEventID,
		LastCheckpoint:          c.checkpoint.Timestamp,
		Position:                c.checkpoint.Position,
		EventsProcessed:         c.processed,
		EventsFailed:            c.failed,
		LastError:               c.checkpoint.LastError,
		ProcessingRatePerSecond: rate,
	}
}
