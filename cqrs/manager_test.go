package cqrs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	esmemory "github.com/freedeepresearch/eventcore/eventstore/memory"
	"github.com/freedeepresearch/eventcore/readmodel"
	rmmemory "github.com/freedeepresearch/eventcore/readmodel/memory"
)

// countingProjection tallies task completions per workflow. Events marked as
// poisoned fail until healed.
type countingProjection struct {
	name  string
	types []events.EventType

	mu       sync.Mutex
	counts   map[uuid.UUID]int64
	applied  int64
	poisoned map[uuid.UUID]struct{}
	initErr  error
}

var _ cqrs.Projection = (*countingProjection)(nil)

func newCountingProjection(name string, types ...events.EventType) *countingProjection {
	return &countingProjection{
		name:     name,
		types:    types,
		counts:   map[uuid.UUID]int64{},
		poisoned: map[uuid.UUID]struct{}{},
	}
}

func (p *countingProjection) Name() string {
	return p.name
}

func (p *countingProjection) EventTypes() []events.EventType {
	return p.types
}

func (p *countingProjection) Initialize(ctx context.Context, store readmodel.Store) error {
	return p.initErr
}

func (p *countingProjection) Reset(ctx context.Context, store readmodel.Store) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts = map[uuid.UUID]int64{}
	p.applied = 0
	return nil
}

func (p *countingProjection) Apply(ctx context.Context, event *events.Event, store readmodel.Store) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, bad := p.poisoned[event.Metadata.EventID]; bad {
		return errors.New("poisoned event")
	}

	if a, ok := event.Attributes.(*events.TaskCompletedAttributes); ok {
		p.counts[a.WorkflowID]++
	}
	p.applied++

	return nil
}

func (p *countingProjection) count(workflowID uuid.UUID) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.counts[workflowID]
}

func (p *countingProjection) appliedTotal() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.applied
}

func (p *countingProjection) poison(eventID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.poisoned[eventID] = struct{}{}
}

func (p *countingProjection) heal() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.poisoned = map[uuid.UUID]struct{}{}
}

// chainProjection records the correlation chain each Apply runs under.
type chainProjection struct {
	mu     sync.Mutex
	chains map[uuid.UUID]chain
}

type chain struct {
	correlationID uuid.UUID
	causationID   uuid.UUID
}

var _ cqrs.Projection = (*chainProjection)(nil)

func newChainProjection() *chainProjection {
	return &chainProjection{chains: map[uuid.UUID]chain{}}
}

func (p *chainProjection) Name() string {
	return "correlation_chains"
}

func (p *chainProjection) EventTypes() []events.EventType {
	return nil
}

func (p *chainProjection) Initialize(ctx context.Context, store readmodel.Store) error {
	return nil
}

func (p *chainProjection) Reset(ctx context.Context, store readmodel.Store) error {
	return nil
}

func (p *chainProjection) Apply(ctx context.Context, event *events.Event, store readmodel.Store) error {
	var c chain
	c.correlationID, _ = correlation.CorrelationID(ctx)
	c.causationID, _ = correlation.CausationID(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.chains[event.Metadata.EventID] = c

	return nil
}

func (p *chainProjection) captured(eventID uuid.UUID) (chain, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.chains[eventID]

	return c, ok
}

func appendTaskCompletions(t *testing.T, store *esmemory.Store, workflowID uuid.UUID, n int) []*events.Event {
	t.Helper()

	evts := make([]*events.Event, n)
	for i := range evts {
		evts[i] = events.NewEvent(workflowID, &events.TaskCompletedAttributes{
			WorkflowID:  workflowID,
			TaskID:      uuid.New(),
			CompletedAt: time.Now().UTC(),
		})
	}

	_, err := store.AppendEvents(context.Background(), workflowID, nil, evts)
	require.NoError(t, err)

	return evts
}

func managerOptions(opts ...cqrs.Option) *cqrs.Options {
	base := []cqrs.Option{cqrs.WithProjectionPollInterval(5 * time.Millisecond)}
	return cqrs.ApplyOptions(append(base, opts...)...)
}

func TestProjectionManagerProcessesFeed(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	projection := newCountingProjection("task_counts", events.EventTypeTaskCompleted)

	workflowW := uuid.New()
	workflowX := uuid.New()
	appendTaskCompletions(t, store, workflowW, 3)
	appendTaskCompletions(t, store, workflowX, 1)

	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(projection)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return projection.count(workflowW) == 3 && projection.count(workflowX) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Events appended while running are picked up on later polls.
	appendTaskCompletions(t, store, workflowW, 2)

	require.Eventually(t, func() bool {
		return projection.count(workflowW) == 5
	}, 2*time.Second, 5*time.Millisecond)

	manager.Stop()

	checkpoint, err := store.LoadCheckpoint(context.Background(), "task_counts")
	require.NoError(t, err)
	assert.Equal(t, int64(6), checkpoint.Position)
	assert.Equal(t, int64(6), manager.EventsProcessed())
	assert.Zero(t, manager.EventsFailed())
	assert.True(t, manager.Healthy())
}

func TestProjectionManagerPropagatesCorrelation(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	projection := newChainProjection()

	workflowID := uuid.New()
	correlationID := uuid.New()

	correlated := events.NewEvent(workflowID, &events.TaskCompletedAttributes{
		WorkflowID:  workflowID,
		TaskID:      uuid.New(),
		CompletedAt: time.Now().UTC(),
	}, events.WithCorrelationID(correlationID))

	bare := events.NewEvent(workflowID, &events.TaskCompletedAttributes{
		WorkflowID:  workflowID,
		TaskID:      uuid.New(),
		CompletedAt: time.Now().UTC(),
	})

	_, err := store.AppendEvents(context.Background(), workflowID, nil, []*events.Event{correlated, bare})
	require.NoError(t, err)

	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(projection)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		_, ok := projection.captured(bare.Metadata.EventID)
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	got, ok := projection.captured(correlated.Metadata.EventID)
	require.True(t, ok)
	assert.Equal(t, correlationID, got.correlationID)
	// The event being applied is the cause of whatever Apply does next.
	assert.Equal(t, correlated.Metadata.EventID, got.causationID)

	got, ok = projection.captured(bare.Metadata.EventID)
	require.True(t, ok)
	assert.Equal(t, bare.Metadata.EventID, got.correlationID)
	assert.Equal(t, bare.Metadata.EventID, got.causationID)
}

func TestProjectionManagerResumesFromCheckpoint(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	readModels := rmmemory.NewStore()
	workflowID := uuid.New()

	appendTaskCompletions(t, store, workflowID, 4)

	first := newCountingProjection("resumable", events.EventTypeTaskCompleted)
	manager := cqrs.NewProjectionManager(store, store, readModels, managerOptions())
	manager.RegisterProjection(first)

	require.NoError(t, manager.Start(context.Background()))
	require.Eventually(t, func() bool {
		return first.count(workflowID) == 4
	}, 2*time.Second, 5*time.Millisecond)
	manager.Stop()

	appendTaskCompletions(t, store, workflowID, 2)

	// A fresh manager and projection instance resume from the stored
	// checkpoint: only the two new events are delivered.
	second := newCountingProjection("resumable", events.EventTypeTaskCompleted)
	restarted := cqrs.NewProjectionManager(store, store, readModels, managerOptions())
	restarted.RegisterProjection(second)

	require.NoError(t, restarted.Start(context.Background()))
	defer restarted.Stop()

	require.Eventually(t, func() bool {
		return second.count(workflowID) == 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(2), second.appliedTotal())
	restarted.Stop()
}

func TestProjectionManagerSkipsUnconsumedTypes(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	workflowID := uuid.New()

	_, err := store.AppendEvents(context.Background(), workflowID, nil, []*events.Event{
		events.NewEvent(workflowID, &events.WorkflowCreatedAttributes{WorkflowID: workflowID, Name: "n", Query: "q"}),
		events.NewEvent(workflowID, &events.ExecutionStartedAttributes{WorkflowID: workflowID, StartedAt: time.Now().UTC()}),
		events.NewEvent(workflowID, &events.TaskCompletedAttributes{WorkflowID: workflowID, TaskID: uuid.New(), CompletedAt: time.Now().UTC()}),
	})
	require.NoError(t, err)

	projection := newCountingProjection("tasks_only", events.EventTypeTaskCompleted)
	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(projection)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return projection.count(workflowID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	manager.Stop()

	// The checkpoint advanced past the skipped events too, so they are not
	// re-read on the next start.
	checkpoint, err := store.LoadCheckpoint(context.Background(), "tasks_only")
	require.NoError(t, err)
	assert.Equal(t, int64(3), checkpoint.Position)
	assert.Equal(t, int64(1), projection.appliedTotal())
}

func TestProjectionManagerPoisonPill(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	workflowID := uuid.New()

	evts := appendTaskCompletions(t, store, workflowID, 3)

	projection := newCountingProjection("poisoned", events.EventTypeTaskCompleted)
	projection.poison(evts[1].Metadata.EventID)

	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(projection)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	// The consumer halts at the poisoned event and retries it every poll.
	require.Eventually(t, func() bool {
		return manager.EventsFailed() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(1), projection.appliedTotal())
	assert.False(t, manager.Healthy())

	status := manager.Status()["poisoned"]
	require.NotNil(t, status)
	assert.Equal(t, int64(1), status.EventsProcessed)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, int64(1), status.Position)

	// The checkpoint never moved past the failure.
	checkpoint, err := store.LoadCheckpoint(context.Background(), "poisoned")
	require.NoError(t, err)
	assert.Equal(t, int64(1), checkpoint.Position)
	assert.NotEmpty(t, checkpoint.LastError)
	assert.GreaterOrEqual(t, checkpoint.ErrorCount, int64(2))

	// Once the event applies cleanly the consumer catches up and health
	// recovers.
	projection.heal()

	require.Eventually(t, func() bool {
		return projection.count(workflowID) == 3
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return manager.Healthy()
	}, 2*time.Second, 5*time.Millisecond)

	manager.Stop()

	checkpoint, err = store.LoadCheckpoint(context.Background(), "poisoned")
	require.NoError(t, err)
	assert.Equal(t, int64(3), checkpoint.Position)
	assert.Empty(t, checkpoint.LastError)
}

func TestProjectionManagerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	projection := newCountingProjection("lifecycle", events.EventTypeTaskCompleted)

	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(projection)

	assert.False(t, manager.Running())
	assert.True(t, manager.Healthy())

	require.NoError(t, manager.Start(context.Background()))
	assert.True(t, manager.Running())

	// Starting again is a no-op.
	require.NoError(t, manager.Start(context.Background()))

	manager.Stop()
	assert.False(t, manager.Running())

	// Stopping again is safe.
	manager.Stop()

	// Restart picks up new events from the checkpoint.
	workflowID := uuid.New()
	appendTaskCompletions(t, store, workflowID, 1)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return projection.count(workflowID) == 1
	}, 2*time.Second, 5*time.Millisecond)

	manager.Stop()
}

func TestProjectionManagerStartErrors(t *testing.T) {
	t.Run("initialize failure aborts start", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		store := esmemory.NewStore()

		projection := newCountingProjection("broken_init")
		projection.initErr = errors.New("schema migration failed")

		manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
		manager.RegisterProjection(projection)

		err := manager.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken_init")
		assert.False(t, manager.Running())
	})

	t.Run("context cancellation stops consumers", func(t *testing.T) {
		defer goleak.VerifyNone(t)

		store := esmemory.NewStore()

		manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
		manager.RegisterProjection(newCountingProjection("ctx_bound", events.EventTypeTaskCompleted))

		ctx, cancel := context.WithCancel(context.Background())
		require.NoError(t, manager.Start(ctx))

		cancel()
		manager.Stop()
		assert.False(t, manager.Running())
	})
}

func TestProjectionManagerMultipleProjections(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := esmemory.NewStore()
	workflowID := uuid.New()
	appendTaskCompletions(t, store, workflowID, 2)

	first := newCountingProjection("first_counts", events.EventTypeTaskCompleted)
	second := newCountingProjection("second_counts", events.EventTypeTaskCompleted)

	manager := cqrs.NewProjectionManager(store, store, rmmemory.NewStore(), managerOptions())
	manager.RegisterProjection(first)
	manager.RegisterProjection(second)

	require.NoError(t, manager.Start(context.Background()))
	defer manager.Stop()

	require.Eventually(t, func() bool {
		return first.count(workflowID) == 2 && second.count(workflowID) == 2
	}, 2*time.Second, 5*time.Millisecond)

	manager.Stop()

	// Each projection carries its own checkpoint.
	for _, name := range []string{"first_counts", "second_counts"} {
		checkpoint, err := store.LoadCheckpoint(context.Background(), name)
		require.NoError(t, err)
		assert.Equal(t, int64(2), checkpoint.Position, "projection %s", name)
	}
}
