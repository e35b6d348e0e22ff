// Package replay redelivers committed history to handlers, outside the live
// projection pipeline. It rebuilds read models, backfills projections added
// after the fact, and drives audits. A replay only reads the event store; it
// never writes to it.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	goerrors "github.com/go-errors/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/metrics"
)

// ErrReplayInProgress rejects a replay while another one is running on the
// same Replayer. One run owns the progress state at a time.
var ErrReplayInProgress = errors.New("replay already in progress")

// Status is the lifecycle state of a replay run.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Handler consumes redelivered events. Streams replay concurrently, so
// HandleEvent may be called from several goroutines at once; within one
// stream events arrive sequentially, in sequence order.
type Handler interface {
	// Name identifies the handler in logs and errors.
	Name() string

	// EventTypes lists the event types the handler consumes. An empty list
	// consumes every type. Events of other types are skipped but still
	// advance the stream checkpoint.
	EventTypes() []events.EventType

	// HandleEvent processes one redelivered event. An error stops the
	// event's stream and fails the run; other streams keep replaying.
	HandleEvent(ctx context.Context, event *events.Event) error

	// OnComplete runs once after every stream replayed cleanly. It is
	// skipped when the run failed or was cancelled.
	OnComplete(ctx context.Context) error
}

// Progress is a point-in-time view of the current or most recent replay run.
type Progress struct {
	ReplayID        uuid.UUID           `json:"replay_id"`
	Status          Status              `json:"status"`
	StartedAt       time.Time           `json:"started_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	TotalStreams    int64               `json:"total_streams"`
	ReplayedStreams int64               `json:"replayed_streams"`
	FailedStreams   int64               `json:"failed_streams"`
	EventsReplayed  int64               `json:"events_replayed"`
	Failures        int64               `json:"failures"`
	LastError       string              `json:"last_error,omitempty"`
	Checkpoints     map[uuid.UUID]int64 `json:"checkpoints"`
}

func (p Progress) clone() Progress {
	checkpoints := make(map[uuid.UUID]int64, len(p.Checkpoints))
	for streamID, sequence := range p.Checkpoints {
		checkpoints[streamID] = sequence
	}

	p.Checkpoints = checkpoints

	return p
}

// Summary reports one finished replay run.
type Summary struct {
	ReplayID        uuid.UUID     `json:"replay_id"`
	Status          Status        `json:"status"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	Duration        time.Duration `json:"duration"`
	TotalStreams    int64         `json:"total_streams"`
	ReplayedStreams int64         `json:"replayed_streams"`
	FailedStreams   int64         `json:"failed_streams"`
	EventsReplayed  int64         `json:"events_replayed"`
	Failures        int64         `json:"failures"`
	LastError       string        `json:"last_error,omitempty"`
}

// Replayer drives registered handlers over committed history, stream by
// stream. Runs are exclusive per Replayer; Progress can be read from any
// goroutine while a run is active.
type Replayer struct {
	store   eventstore.Store
	options *Options
	logger  *slog.Logger
	tracer  trace.Tracer

	mu       sync.Mutex
	handlers map[string]Handler
	active   *run
	progress Progress
}

func NewReplayer(store eventstore.Store, opts ...Option) *Replayer {
	options := ApplyOptions(opts...)

	return &Replayer{
		store:    store,
		options:  options,
		logger:   options.Logger,
		tracer:   options.TracerProvider.Tracer(eventstore.TracerName),
		handlers: map[string]Handler{},
		progress: Progress{
			Status:      StatusNotStarted,
			Checkpoints: map[uuid.UUID]int64{},
		},
	}
}

// RegisterHandler adds the handler under its name, replacing any earlier
// registration. Handlers registered while a run is active join the next run.
func (r *Replayer) RegisterHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[h.Name()] = h

	r.logger.Debug("registered replay handler", log.ReplayHandlerKey, h.Name())
}

// HandlerCount returns the number of registered handlers.
func (r *Replayer) HandlerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.handlers)
}

// Running reports whether a replay run is active.
func (r *Replayer) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.active != nil
}

// Progress returns a snapshot of the active run, or of the last finished one
// when idle.
func (r *Replayer) Progress() Progress {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return r.active.snapshot(StatusRunning)
	}

	return r.progress.clone()
}

// ReplayAllStreams redelivers the whole store: it discovers every stream from
// the global feed, then replays the streams with bounded concurrency.
// Streams created after discovery are not part of the run. Returns the run
// summary; handler failures are reported in it, not as an error. The error is
// non-nil only when the run could not start, discovery failed, or ctx ended
// the run early.
func (r *Replayer) ReplayAllStreams(ctx context.Context) (*Summary, error) {
	active, err := r.begin()
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "eventcore.Replayer.ReplayAllStreams", trace.WithAttributes(
		attribute.String(log.ReplayIDKey, active.id.String()),
	))
	defer span.End()

	ctx, cancel := r.runContext(ctx)
	defer cancel()

	streams, err := r.discoverStreams(ctx)
	if err != nil {
		err = fmt.Errorf("discovering streams: %w", err)
		span.RecordError(err)
		r.abort(active, err)

		return nil, err
	}

	return r.replayStreams(ctx, span, active, streams)
}

// ReplayStream redelivers a single stream. A stream with no events completes
// with zero events replayed.
func (r *Replayer) ReplayStream(ctx context.Context, streamID uuid.UUID) (*Summary, error) {
	active, err := r.begin()
	if err != nil {
		return nil, err
	}

	ctx, span := r.tracer.Start(ctx, "eventcore.Replayer.ReplayStream", trace.WithAttributes(
		attribute.String(log.ReplayIDKey, active.id.String()),
		attribute.String(log.StreamIDKey, streamID.String()),
	))
	defer span.End()

	ctx, cancel := r.runContext(ctx)
	defer cancel()

	return r.replayStreams(ctx, span, active, []uuid.UUID{streamID})
}

// begin claims the Replayer for one run and snapshots the handler set.
func (r *Replayer) begin() (*run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.active != nil {
		return nil, ErrReplayInProgress
	}

	if len(r.handlers) == 0 {
		return nil, &eventstore.ConfigurationError{Reason: "replay requires at least one registered handler"}
	}

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)

	handlers := make([]*boundHandler, 0, len(names))
	for _, name := range names {
		handlers = append(handlers, newBoundHandler(r.handlers[name]))
	}

	now := r.options.Clock.Now().UTC()

	r.active = &run{
		id:          uuid.New(),
		startedAt:   now,
		updatedAt:   now,
		clock:       r.options.Clock,
		handlers:    handlers,
		checkpoints: map[uuid.UUID]int64{},
	}

	return r.active, nil
}

func (r *Replayer) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.options.Timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return r.options.Clock.WithTimeout(ctx, r.options.Timeout)
}

// discoverStreams scans the global feed and returns every stream id, in
// first-commit order.
func (r *Replayer) discoverStreams(ctx context.Context) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{}
	var streams []uuid.UUID

	var position int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := r.store.ReadAllEvents(ctx, position, r.options.BatchSize)
		if err != nil {
			return nil, err
		}

		if len(batch) == 0 {
			return streams, nil
		}

		for _, stored := range batch {
			position = stored.Position

			streamID := stored.Event.Metadata.StreamID
			if _, ok := seen[streamID]; ok {
				continue
			}

			seen[streamID] = struct{}{}
			streams = append(streams, streamID)
		}

		if len(batch) < r.options.BatchSize {
			return streams, nil
		}
	}
}

func (r *Replayer) replayStreams(ctx context.Context, span trace.Span, active *run, streams []uuid.UUID) (*Summary, error) {
	active.totalStreams.Store(int64(len(streams)))

	r.logger.Debug("replay started",
		log.ReplayIDKey, active.id,
		"streams", len(streams),
		"handlers", len(active.handlers),
	)

	sem := make(chan struct{}, max(1, r.options.MaxConcurrentStreams))
	var wg sync.WaitGroup

	for _, streamID := range streams {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}

		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func(streamID uuid.UUID) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := r.replayStream(ctx, active, streamID); err != nil {
				if ctx.Err() != nil {
					return
				}

				active.recordStreamFailure(err)
				r.options.Metrics.Counter(metrickeys.ReplayStreamsFailed, nil, 1)

				r.logger.ErrorContext(ctx, "stream replay failed",
					log.ReplayIDKey, active.id,
					log.StreamIDKey, streamID,
					"error", err)

				return
			}

			active.recordStreamReplayed()
			r.options.Metrics.Counter(metrickeys.ReplayStreamsReplayed, nil, 1)
		}(streamID)
	}

	wg.Wait()

	return r.finish(ctx, span, active)
}

// replayStream delivers one stream's history in sequence order, in batches.
func (r *Replayer) replayStream(ctx context.Context, active *run, streamID uuid.UUID) error {
	var fromVersion int64
	sinceCheckpoint := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := r.store.ReadEvents(ctx, streamID, fromVersion, r.options.BatchSize)
		if err != nil {
			return fmt.Errorf("reading stream %v after version %d: %w", streamID, fromVersion, err)
		}

		if len(batch) == 0 {
			break
		}

		for _, event := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := r.deliver(ctx, active, event); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}

				// The checkpoint stays at the last delivered event so the
				// failure position is visible in Progress.
				active.checkpoint(streamID, fromVersion)
				active.recordDeliveryFailure(err)
				r.options.Metrics.Counter(metrickeys.ReplayEventsFailed, metrics.Tags{metrickeys.EventType: string(event.Type())}, 1)

				return fmt.Errorf("delivering event %v: %w", event.Metadata.EventID, err)
			}

			fromVersion = event.Metadata.SequenceNumber
			sinceCheckpoint++
			active.recordReplayed()
			r.options.Metrics.Counter(metrickeys.ReplayEventsReplayed, metrics.Tags{metrickeys.EventType: string(event.Type())}, 1)

			if r.options.CheckpointFrequency > 0 && sinceCheckpoint >= r.options.CheckpointFrequency {
				active.checkpoint(streamID, fromVersion)
				sinceCheckpoint = 0
			}
		}

		if len(batch) < r.options.BatchSize {
			break
		}
	}

	active.checkpoint(streamID, fromVersion)

	return nil
}

// deliver fans one event out to every handler that consumes its type.
func (r *Replayer) deliver(ctx context.Context, active *run, event *events.Event) error {
	if r.options.ValidateEvents {
		if err := event.Validate(); err != nil {
			return fmt.Errorf("validating event %v: %w", event.Metadata.EventID, err)
		}
	}

	ctx = correlation.FromEvent(ctx, event)

	for _, bound := range active.handlers {
		if !bound.consumes(event.Type()) {
			continue
		}

		if err := r.handleEvent(ctx, bound, event); err != nil {
			return fmt.Errorf("handler %q: %w", bound.handler.Name(), err)
		}
	}

	return nil
}

func (r *Replayer) handleEvent(ctx context.Context, bound *boundHandler, event *events.Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("replay handler panic",
				log.ReplayHandlerKey, bound.handler.Name(),
				log.EventIDKey, event.Metadata.EventID,
				"panic", fmt.Sprintf("%v", rec),
				"stack", string(goerrors.New(rec).Stack()),
			)

			err = fmt.Errorf("panic in replay handler: %v", rec)
		}
	}()

	return bound.handler.HandleEvent(ctx, event)
}

// complete runs the handlers' OnComplete hooks. Any hook error fails the run.
func (r *Replayer) complete(ctx context.Context, active *run) error {
	for _, bound := range active.handlers {
		if err := bound.handler.OnComplete(ctx); err != nil {
			return fmt.Errorf("completing replay handler %q: %w", bound.handler.Name(), err)
		}
	}

	return nil
}

func (r *Replayer) finish(ctx context.Context, span trace.Span, active *run) (*Summary, error) {
	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case active.failedStreams.Load() > 0:
		status = StatusFailed
	default:
		if err := r.complete(ctx, active); err != nil {
			active.recordDeliveryFailure(err)
			status = StatusFailed
		}
	}

	completedAt := r.options.Clock.Now().UTC()
	summary := active.summary(status, completedAt)

	r.mu.Lock()
	r.progress = active.snapshot(status)
	r.active = nil
	r.mu.Unlock()

	r.options.Metrics.Timing(metrickeys.ReplayDuration, nil, summary.Duration)

	r.logger.Debug("replay finished",
		log.ReplayIDKey, active.id,
		"status", string(status),
		"events", summary.EventsReplayed,
		"streams", summary.ReplayedStreams,
		log.DurationKey, summary.Duration.Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return summary, nil
}

// abort records a run that never reached its streams.
func (r *Replayer) abort(active *run, err error) {
	active.fail(err)

	r.mu.Lock()
	r.progress = active.snapshot(StatusFailed)
	r.active = nil
	r.mu.Unlock()
}

// run is the mutable state of one replay, shared between the stream
// goroutines and Progress callers.
type run struct {
	id        uuid.UUID
	startedAt time.Time
	clock     clock.Clock
	handlers  []*boundHandler

	totalStreams    atomic.Int64
	replayedStreams atomic.Int64
	failedStreams   atomic.Int64
	eventsReplayed  atomic.Int64
	failures        atomic.Int64

	mu          sync.Mutex
	updatedAt   time.Time
	lastError   string
	checkpoints map[uuid.UUID]int64
}

func (a *run) recordReplayed() {
	a.eventsReplayed.Add(1)
}

func (a *run) recordStreamReplayed() {
	a.replayedStreams.Add(1)
	a.touch()
}

func (a *run) recordStreamFailure(err error) {
	a.failedStreams.Add(1)
	a.fail(err)
}

func (a *run) recordDeliveryFailure(err error) {
	a.failures.Add(1)
	a.fail(err)
}

func (a *run) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.lastError = err.Error()
	a.updatedAt = a.clock.Now().UTC()
}

func (a *run) checkpoint(streamID uuid.UUID, sequence int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.checkpoints[streamID] = sequence
	a.updatedAt = a.clock.Now().UTC()
}

func (a *run) touch() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.updatedAt = a.clock.Now().UTC()
}

func (a *run) snapshot(status Status) Progress {
	a.mu.Lock()
	defer a.mu.Unlock()

	checkpoints := make(map[uuid.UUID]int64, len(a.checkpoints))
	for streamID, sequence := range a.checkpoints {
		checkpoints[streamID] = sequence
	}

	return Progress{
		ReplayID:        a.id,
		Status:          status,
		StartedAt:       a.startedAt,
		UpdatedAt:       a.updatedAt,
		TotalStreams:    a.totalStreams.Load(),
		ReplayedStreams: a.replayedStreams.Load(),
		FailedStreams:   a.failedStreams.Load(),
		EventsReplayed:  a.eventsReplayed.Load(),
		Failures:        a.failures.Load(),
		LastError:       a.lastError,
		Checkpoints:     checkpoints,
	}
}

func (a *run) summary(status Status, completedAt time.Time) *Summary {
	a.mu.Lock()
	lastError := a.lastError
	a.mu.Unlock()

	return &Summary{
		ReplayID:        a.id,
		Status:          status,
		StartedAt:       a.startedAt,
		CompletedAt:     completedAt,
		Duration:        completedAt.Sub(a.startedAt),
		TotalStreams:    a.totalStreams.Load(),
		ReplayedStreams: a.replayedStreams.Load(),
		FailedStreams:   a.failedStreams.Load(),
		EventsReplayed:  a.eventsReplayed.Load(),
		Failures:        a.failures.Load(),
		LastError:       lastError,
	}
}

// boundHandler pairs a handler with its type filter.
type boundHandler struct {
	handler Handler
	types   map[events.EventType]struct{}
}

func newBoundHandler(handler Handler) *boundHandler {
	types := map[events.EventType]struct{}{}
	for _, t := range handler.EventTypes() {
		types[t] = struct{}{}
	}

	return &boundHandler{handler: handler, types: types}
}

// consumes reports whether the handler takes this event type. An empty type
// list consumes everything.
func (b *boundHandler) consumes(eventType events.EventType) bool {
	if len(b.types) == 0 {
		return true
	}

	_, ok := b.types[eventType]

	return ok
}
