package replay_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	esmemory "github.com/freedeepresearch/eventcore/eventstore/memory"
	"github.com/freedeepresearch/eventcore/readmodel"
	rmmemory "github.com/freedeepresearch/eventcore/readmodel/memory"
	"github.com/freedeepresearch/eventcore/replay"
)

func TestProjectionHandlerRebuild(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := esmemory.NewStore()
	readModels := rmmemory.NewStore()

	workflowID := uuid.New()
	taskID := uuid.New()

	appendEvents(t, store, workflowID,
		created(workflowID, "Coral Bleaching Review"),
		started(workflowID),
		&events.TaskCreatedAttributes{
			WorkflowID: workflowID,
			TaskID:     taskID,
			TaskType:   "literature_search",
			CreatedAt:  time.Now().UTC(),
		},
		&events.TaskCompletedAttributes{
			WorkflowID:  workflowID,
			TaskID:      taskID,
			Results:     json.RawMessage(`{"hits":12}`),
			CompletedAt: time.Now().UTC(),
		},
	)

	// A leftover read model from before the rebuild; Reset must drop it.
	stale := uuid.New()
	require.NoError(t, readModels.UpsertWorkflow(ctx, &readmodel.Workflow{ID: stale, Name: "stale"}))

	handler := replay.NewProjectionHandler(cqrs.NewWorkflowProjection(), readModels)
	assert.Equal(t, "research_workflow_projection", handler.Name())
	assert.Len(t, handler.EventTypes(), 7)

	require.NoError(t, handler.Reset(ctx))

	replayer := replay.NewReplayer(store)
	replayer.RegisterHandler(handler)

	summary, err := replayer.ReplayAllStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, summary.Status)
	assert.Equal(t, int64(4), summary.EventsReplayed)

	_, err = readModels.GetWorkflow(ctx, stale)
	require.ErrorIs(t, err, readmodel.ErrNotFound)

	workflow, err := readModels.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)

	assert.Equal(t, "Coral Bleaching Review", workflow.Name)
	assert.Equal(t, readmodel.WorkflowStatusRunning, workflow.Status)
	require.Len(t, workflow.Tasks, 1)
	assert.Equal(t, readmodel.TaskStatusCompleted, workflow.Tasks[0].Status)
	assert.Equal(t, 1, workflow.Metrics.CompletedTasks)
	assert.Equal(t, float64(100), workflow.Metrics.ProgressPercentage)

	tasks, err := readModels.GetTasksByWorkflow(ctx, workflowID, readmodel.TaskStatusCompleted)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.JSONEq(t, `{"hits":12}`, string(tasks[0].Results))
}

func TestProjectionHandlerRebuildIsRepeatable(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx := context.Background()
	store := esmemory.NewStore()
	readModels := rmmemory.NewStore()

	workflowID := uuid.New()
	taskID := uuid.New()
	appendEvents(t, store, workflowID,
		created(workflowID, "Coral Bleaching Review"),
		started(workflowID),
		&events.TaskCreatedAttributes{
			WorkflowID: workflowID,
			TaskID:     taskID,
			TaskType:   "literature_search",
			CreatedAt:  time.Now().UTC(),
		},
		&events.TaskCompletedAttributes{
			WorkflowID:  workflowID,
			TaskID:      taskID,
			CompletedAt: time.Now().UTC(),
		},
	)

	handler := replay.NewProjectionHandler(cqrs.NewWorkflowProjection(), readModels)
	replayer := replay.NewReplayer(store)
	replayer.RegisterHandler(handler)

	for i := 0; i < 2; i++ {
		require.NoError(t, handler.Reset(ctx))

		summary, err := replayer.ReplayAllStreams(ctx)
		require.NoError(t, err)
		require.Equal(t, replay.StatusCompleted, summary.Status)
	}

	workflow, err := readModels.GetWorkflow(ctx, workflowID)
	require.NoError(t, err)
	assert.Equal(t, readmodel.WorkflowStatusRunning, workflow.Status)

	stats, err := readModels.GetWorkflowStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalWorkflows)
}
