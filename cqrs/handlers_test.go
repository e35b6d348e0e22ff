package cqrs_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	esmemory "github.com/freedeepresearch/eventcore/eventstore/memory"
	"github.com/freedeepresearch/eventcore/readmodel"
	rmmemory "github.com/freedeepresearch/eventcore/readmodel/memory"
)

func methodology() events.ResearchMethodology {
	return events.ResearchMethodology{
		Name:  "systematic-review",
		Steps: []string{"search", "screen", "extract"},
	}
}

// newCommandBus wires the built-in workflow command handlers to a fresh
// in-memory store.
func newCommandBus(t *testing.T, storeOpts ...eventstore.StoreOption) (*cqrs.CommandBus, *esmemory.Store) {
	t.Helper()

	store := esmemory.NewStore(storeOpts...)
	snapshotter := eventstore.NewSnapshotter(store, store.Options())

	bus := cqrs.NewCommandBus(nil)
	cqrs.RegisterWorkflowHandlers(bus, cqrs.NewWorkflowCommandHandler(store, snapshotter))

	return bus, store
}

func execute(t *testing.T, bus *cqrs.CommandBus, cmd cqrs.Command) *cqrs.CommandResult {
	t.Helper()

	result, err := bus.Execute(context.Background(), cmd)
	require.NoError(t, err)
	require.True(t, result.Success, "command %s failed: %s", cmd.CommandName(), result.Message)

	return result
}

func TestWorkflowCommandHandlers(t *testing.T) {
	t.Run("full lifecycle", func(t *testing.T) {
		bus, store := newCommandBus(t)

		workflowID := uuid.New()
		taskID := uuid.New()

		result := execute(t, bus, cqrs.NewCreateResearchWorkflowCommand(workflowID, "Climate Review", "impact of X on Y", methodology()))
		require.NotNil(t, result.Version)
		assert.Equal(t, int64(1), *result.Version)
		require.NotNil(t, result.AggregateID)
		assert.Equal(t, workflowID, *result.AggregateID)

		execute(t, bus, cqrs.NewStartWorkflowExecutionCommand(workflowID))
		execute(t, bus, cqrs.NewCreateTaskCommand(workflowID, taskID, "web_search", "researcher"))
		execute(t, bus, cqrs.NewCompleteTaskCommand(workflowID, taskID, json.RawMessage(`{"documents":3}`)))
		result = execute(t, bus, cqrs.NewCompleteWorkflowCommand(workflowID, events.ResearchResults{Summary: "done"}))

		require.NotNil(t, result.Version)
		assert.Equal(t, int64(5), *result.Version)

		stored, err := store.ReadEvents(context.Background(), workflowID, 0, 10)
		require.NoError(t, err)
		require.Len(t, stored, 5)

		types := make([]events.EventType, len(stored))
		for i, event := range stored {
			types[i] = event.Type()
		}
		assert.Equal(t, []events.EventType{
			events.EventTypeWorkflowCreated,
			events.EventTypeExecutionStarted,
			events.EventTypeTaskCreated,
			events.EventTypeTaskCompleted,
			events.EventTypeExecutionComplete,
		}, types)
	})

	t.Run("events carry causation and correlation", func(t *testing.T) {
		bus, store := newCommandBus(t)
		workflowID := uuid.New()

		cmd := cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology())
		execute(t, bus, cmd)

		stored, err := store.ReadEvents(context.Background(), workflowID, 0, 1)
		require.NoError(t, err)
		require.Len(t, stored, 1)

		// No explicit correlation: the command starts a new chain under its
		// own id.
		require.NotNil(t, stored[0].CausationID())
		assert.Equal(t, cmd.CommandID(), *stored[0].CausationID())
		require.NotNil(t, stored[0].CorrelationID())
		assert.Equal(t, cmd.CommandID(), *stored[0].CorrelationID())
	})

	t.Run("explicit correlation is inherited", func(t *testing.T) {
		bus, store := newCommandBus(t)

		workflowID := uuid.New()
		correlationID := uuid.New()

		cmd := cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology(),
			cqrs.WithCorrelation(correlationID))
		execute(t, bus, cmd)

		stored, err := store.ReadEvents(context.Background(), workflowID, 0, 1)
		require.NoError(t, err)
		require.Len(t, stored, 1)

		require.NotNil(t, stored[0].CorrelationID())
		assert.Equal(t, correlationID, *stored[0].CorrelationID())
		require.NotNil(t, stored[0].CausationID())
		assert.Equal(t, cmd.CommandID(), *stored[0].CausationID())
	})

	t.Run("a context correlation id is inherited", func(t *testing.T) {
		bus, store := newCommandBus(t)

		workflowID := uuid.New()
		correlationID := uuid.New()
		ctx := correlation.WithCorrelationID(context.Background(), correlationID)

		cmd := cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology())
		result, err := bus.Execute(ctx, cmd)
		require.NoError(t, err)
		require.True(t, result.Success)

		stored, err := store.ReadEvents(context.Background(), workflowID, 0, 1)
		require.NoError(t, err)
		require.Len(t, stored, 1)

		require.NotNil(t, stored[0].CorrelationID())
		assert.Equal(t, correlationID, *stored[0].CorrelationID())
		require.NotNil(t, stored[0].CausationID())
		assert.Equal(t, cmd.CommandID(), *stored[0].CausationID())
	})

	t.Run("command for a missing workflow fails", func(t *testing.T) {
		bus, _ := newCommandBus(t)

		result, err := bus.Execute(context.Background(), cqrs.NewStartWorkflowExecutionCommand(uuid.New()))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "not found")
	})

	t.Run("creating the same workflow twice fails", func(t *testing.T) {
		bus, _ := newCommandBus(t)
		workflowID := uuid.New()

		execute(t, bus, cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology()))

		result, err := bus.Execute(context.Background(),
			cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology()))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "concurrency conflict")
	})

	t.Run("invalid transition fails", func(t *testing.T) {
		bus, _ := newCommandBus(t)
		workflowID := uuid.New()

		execute(t, bus, cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology()))

		// Completing a workflow that never started violates the aggregate
		// rule; the handler reports it as a failed result.
		result, err := bus.Execute(context.Background(),
			cqrs.NewCompleteWorkflowCommand(workflowID, events.ResearchResults{}))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "not running")
	})

	t.Run("snapshots are written at the configured frequency", func(t *testing.T) {
		bus, store := newCommandBus(t, eventstore.WithSnapshotFrequency(2))
		workflowID := uuid.New()

		execute(t, bus, cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology()))

		_, err := store.LoadLatestSnapshot(context.Background(), workflowID)
		assert.ErrorIs(t, err, eventstore.ErrSnapshotNotFound)

		execute(t, bus, cqrs.NewStartWorkflowExecutionCommand(workflowID))

		snapshot, err := store.LoadLatestSnapshot(context.Background(), workflowID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), snapshot.Version)
	})

	t.Run("update workflow from a snapshot-loaded aggregate", func(t *testing.T) {
		bus, store := newCommandBus(t, eventstore.WithSnapshotFrequency(2))
		workflowID := uuid.New()

		execute(t, bus, cqrs.NewCreateResearchWorkflowCommand(workflowID, "n", "q", methodology()))
		execute(t, bus, cqrs.NewStartWorkflowExecutionCommand(workflowID))

		// The next load starts from the version-2 snapshot.
		result := execute(t, bus, cqrs.NewUpdateWorkflowCommand(workflowID, json.RawMessage(`{"name":"renamed"}`)))
		require.NotNil(t, result.Version)
		assert.Equal(t, int64(3), *result.Version)

		version, err := store.GetStreamVersion(context.Background(), workflowID)
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
	})
}

// seedReadModels fills a read-model store with a small, predictable data set.
func seedReadModels(t *testing.T) readmodel.Store {
	t.Helper()

	store := rmmemory.NewStore()
	ctx := context.Background()

	projection := cqrs.NewWorkflowProjection()
	workflows := []struct {
		name  string
		query string
	}{
		{"Climate Review", "impact of warming on crop yield"},
		{"Protein Folding Survey", "folding prediction accuracy"},
		{"Climate Adaptation", "regional adaptation strategies"},
	}

	for _, w := range workflows {
		id := uuid.New()
		event := events.NewEvent(id, &events.WorkflowCreatedAttributes{
			WorkflowID: id,
			Name:       w.name,
			Query:      w.query,
		})
		require.NoError(t, projection.Apply(ctx, event, store))
	}

	return store
}

func TestWorkflowQueryHandlers(t *testing.T) {
	newQueryBus := func(t *testing.T, store readmodel.Store) *cqrs.QueryBus {
		t.Helper()

		bus := cqrs.NewQueryBus(nil)
		cqrs.RegisterWorkflowQueryHandlers(bus, cqrs.NewWorkflowQueryHandler(store))
		return bus
	}

	t.Run("get workflow", func(t *testing.T) {
		store := rmmemory.NewStore()
		bus := newQueryBus(t, store)

		workflowID := uuid.New()
		taskID := uuid.New()

		projection := cqrs.NewWorkflowProjection()
		ctx := context.Background()
		require.NoError(t, projection.Apply(ctx, events.NewEvent(workflowID, &events.WorkflowCreatedAttributes{
			WorkflowID: workflowID,
			Name:       "Climate Review",
			Query:      "q",
		}), store))
		require.NoError(t, projection.Apply(ctx, events.NewEvent(workflowID, &events.TaskCreatedAttributes{
			WorkflowID: workflowID,
			TaskID:     taskID,
			TaskType:   "web_search",
		}), store))

		result, err := bus.Execute(ctx, cqrs.NewGetResearchWorkflowQuery(workflowID, true))
		require.NoError(t, err)

		workflow, ok := result.(*readmodel.Workflow)
		require.True(t, ok)
		assert.Equal(t, "Climate Review", workflow.Name)
		assert.Len(t, workflow.Tasks, 1)

		// Without tasks the inline list is stripped; metrics still count them.
		result, err = bus.Execute(ctx, cqrs.NewGetResearchWorkflowQuery(workflowID, false))
		require.NoError(t, err)

		workflow, ok = result.(*readmodel.Workflow)
		require.True(t, ok)
		assert.Nil(t, workflow.Tasks)
		assert.Equal(t, 1, workflow.Metrics.TotalTasks)
	})

	t.Run("get workflow not found", func(t *testing.T) {
		bus := newQueryBus(t, rmmemory.NewStore())

		_, err := bus.Execute(context.Background(), cqrs.NewGetResearchWorkflowQuery(uuid.New(), true))
		assert.ErrorIs(t, err, readmodel.ErrNotFound)
	})

	t.Run("workflow list", func(t *testing.T) {
		bus := newQueryBus(t, seedReadModels(t))

		result, err := bus.Execute(context.Background(), cqrs.NewGetWorkflowListQuery(1, 2))
		require.NoError(t, err)

		list, ok := result.(*readmodel.WorkflowList)
		require.True(t, ok)
		assert.Equal(t, int64(3), list.TotalCount)
		assert.Len(t, list.Workflows, 2)
		assert.True(t, list.HasNextPage)
	})

	t.Run("workflow stats", func(t *testing.T) {
		bus := newQueryBus(t, seedReadModels(t))

		result, err := bus.Execute(context.Background(), cqrs.NewGetWorkflowStatsQuery())
		require.NoError(t, err)

		stats, ok := result.(*readmodel.WorkflowStats)
		require.True(t, ok)
		assert.Equal(t, int64(3), stats.TotalWorkflows)
		assert.Equal(t, int64(3), stats.WorkflowsByStatus[string(readmodel.WorkflowStatusCreated)])
	})

	t.Run("search workflows", func(t *testing.T) {
		bus := newQueryBus(t, seedReadModels(t))

		result, err := bus.Execute(context.Background(), cqrs.NewSearchWorkflowsQuery("climate", 1, 20))
		require.NoError(t, err)

		list, ok := result.(*readmodel.WorkflowList)
		require.True(t, ok)
		assert.Equal(t, int64(2), list.TotalCount)
	})

	t.Run("tasks by workflow", func(t *testing.T) {
		store := rmmemory.NewStore()
		bus := newQueryBus(t, store)

		workflowID := uuid.New()
		projection := cqrs.NewWorkflowProjection()
		ctx := context.Background()

		require.NoError(t, projection.Apply(ctx, events.NewEvent(workflowID, &events.WorkflowCreatedAttributes{
			WorkflowID: workflowID, Name: "n", Query: "q",
		}), store))
		for _, taskType := range []string{"web_search", "analysis"} {
			require.NoError(t, projection.Apply(ctx, events.NewEvent(workflowID, &events.TaskCreatedAttributes{
				WorkflowID: workflowID,
				TaskID:     uuid.New(),
				TaskType:   taskType,
			}), store))
		}

		result, err := bus.Execute(ctx, cqrs.NewGetTasksByWorkflowQuery(workflowID, ""))
		require.NoError(t, err)

		tasks, ok := result.([]readmodel.Task)
		require.True(t, ok)
		assert.Len(t, tasks, 2)

		result, err = bus.Execute(ctx, cqrs.NewGetTasksByWorkflowQuery(workflowID, readmodel.TaskStatusCompleted))
		require.NoError(t, err)

		tasks, ok = result.([]readmodel.Task)
		require.True(t, ok)
		assert.Empty(t, tasks)
	})
}
