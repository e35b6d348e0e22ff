// Package test exports a conformance suite that every read-model store runs
// against its own setup.
package test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/readmodel"
)

func sampleWorkflow(name, query string, status readmodel.WorkflowStatus, createdAt time.Time) *readmodel.Workflow {
	return &readmodel.Workflow{
		ID:          uuid.New(),
		Name:        name,
		Query:       query,
		Methodology: json.RawMessage(`{"name":"systematic"}`),
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func sampleTask(workflowID uuid.UUID, taskType string, status readmodel.TaskStatus, createdAt time.Time) *readmodel.Task {
	return &readmodel.Task{
		ID:         uuid.New(),
		WorkflowID: workflowID,
		TaskType:   taskType,
		AgentType:  "researcher",
		Status:     status,
		CreatedAt:  createdAt,
	}
}

// StoreTest runs the read-model conformance suite. setup must return an
// empty store; teardown, when non-nil, is called after each subtest.
func StoreTest(t *testing.T, setup func() readmodel.Store, teardown func(s readmodel.Store)) {
	tests := []struct {
		name string
		f    func(t *testing.T, ctx context.Context, s readmodel.Store)
	}{
		{
			name: "GetWorkflow_NotFound",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				_, err := s.GetWorkflow(ctx, uuid.New())
				require.ErrorIs(t, err, readmodel.ErrNotFound)
			},
		},
		{
			name: "UpsertWorkflow_RoundTrip",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				w := sampleWorkflow("Protein folding survey", "alphafold successors", readmodel.WorkflowStatusRunning, now)
				w.StartedAt = &now
				w.Tasks = []readmodel.Task{
					*sampleTask(w.ID, "web_search", readmodel.TaskStatusCompleted, now),
					*sampleTask(w.ID, "summarize", readmodel.TaskStatusRunning, now),
				}

				require.NoError(t, s.UpsertWorkflow(ctx, w))

				got, err := s.GetWorkflow(ctx, w.ID)
				require.NoError(t, err)
				require.Equal(t, w.ID, got.ID)
				require.Equal(t, w.Name, got.Name)
				require.Equal(t, w.Query, got.Query)
				require.Equal(t, readmodel.WorkflowStatusRunning, got.Status)
				require.True(t, w.CreatedAt.Equal(got.CreatedAt))
				require.NotNil(t, got.StartedAt)
				require.JSONEq(t, string(w.Methodology), string(got.Methodology))
				require.Len(t, got.Tasks, 2)

				// Metrics are derived from the embedded tasks on read.
				require.Equal(t, 2, got.Metrics.TotalTasks)
				require.Equal(t, 1, got.Metrics.CompletedTasks)
				require.Equal(t, 0, got.Metrics.FailedTasks)
				require.InDelta(t, 50.0, got.Metrics.ProgressPercentage, 0.001)
			},
		},
		{
			name: "UpsertWorkflow_ReplacesPreviousState",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				w := sampleWorkflow("Climate model review", "CMIP7 readiness", readmodel.WorkflowStatusRunning, now)
				require.NoError(t, s.UpsertWorkflow(ctx, w))

				completedAt := now.Add(time.Minute)
				w.Status = readmodel.WorkflowStatusCompleted
				w.CompletedAt = &completedAt
				w.Results = json.RawMessage(`{"summary":"done"}`)
				require.NoError(t, s.UpsertWorkflow(ctx, w))

				got, err := s.GetWorkflow(ctx, w.ID)
				require.NoError(t, err)
				require.Equal(t, readmodel.WorkflowStatusCompleted, got.Status)
				require.NotNil(t, got.CompletedAt)
				require.JSONEq(t, `{"summary":"done"}`, string(got.Results))

				stats, err := s.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalWorkflows)
			},
		},
		{
			name: "GetWorkflowList_NewestFirstByDefault",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				base := time.Now().UTC().Add(-time.Hour)
				for i, name := range []string{"first", "second", "third"} {
					w := sampleWorkflow(name, "query", readmodel.WorkflowStatusCreated, base.Add(time.Duration(i)*time.Minute))
					require.NoError(t, s.UpsertWorkflow(ctx, w))
				}

				list, err := s.GetWorkflowList(ctx, readmodel.ListOptions{})
				require.NoError(t, err)
				require.Equal(t, int64(3), list.TotalCount)
				require.Len(t, list.Workflows, 3)
				require.Equal(t, "third", list.Workflows[0].Name)
				require.Equal(t, "second", list.Workflows[1].Name)
				require.Equal(t, "first", list.Workflows[2].Name)
			},
		},
		{
			name: "GetWorkflowList_FiltersByStatus",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("a", "q", readmodel.WorkflowStatusRunning, now)))
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("b", "q", readmodel.WorkflowStatusCompleted, now.Add(time.Second))))
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("c", "q", readmodel.WorkflowStatusRunning, now.Add(2*time.Second))))

				list, err := s.GetWorkflowList(ctx, readmodel.ListOptions{Status: readmodel.WorkflowStatusRunning})
				require.NoError(t, err)

				// TotalCount reflects the filter, not the raw store size.
				require.Equal(t, int64(2), list.TotalCount)
				require.Len(t, list.Workflows, 2)
				for _, w := range list.Workflows {
					require.Equal(t, readmodel.WorkflowStatusRunning, w.Status)
				}
			},
		},
		{
			name: "GetWorkflowList_SearchesNameAndQuery",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("Fusion reactor survey", "tokamak designs", readmodel.WorkflowStatusCreated, now)))
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("Battery chemistry", "solid state electrolytes", readmodel.WorkflowStatusCreated, now.Add(time.Second))))
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("Grid storage", "flow battery economics", readmodel.WorkflowStatusCreated, now.Add(2*time.Second))))

				list, err := s.GetWorkflowList(ctx, readmodel.ListOptions{Search: "BATTERY"})
				require.NoError(t, err)
				require.Equal(t, int64(2), list.TotalCount)

				names := []string{list.Workflows[0].Name, list.Workflows[1].Name}
				require.Contains(t, names, "Battery chemistry")
				require.Contains(t, names, "Grid storage")
			},
		},
		{
			name: "GetWorkflowList_SortsByNameAscending",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				for i, name := range []string{"citrus", "apple", "banana"} {
					require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow(name, "q", readmodel.WorkflowStatusCreated, now.Add(time.Duration(i)*time.Second))))
				}

				list, err := s.GetWorkflowList(ctx, readmodel.ListOptions{SortBy: "name", SortOrder: "asc"})
				require.NoError(t, err)
				require.Len(t, list.Workflows, 3)
				require.Equal(t, "apple", list.Workflows[0].Name)
				require.Equal(t, "banana", list.Workflows[1].Name)
				require.Equal(t, "citrus", list.Workflows[2].Name)
			},
		},
		{
			name: "GetWorkflowList_Paginates",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				base := time.Now().UTC().Add(-time.Hour)
				for i := 0; i < 5; i++ {
					w := sampleWorkflow("w", "q", readmodel.WorkflowStatusCreated, base.Add(time.Duration(i)*time.Minute))
					require.NoError(t, s.UpsertWorkflow(ctx, w))
				}

				page1, err := s.GetWorkflowList(ctx, readmodel.ListOptions{Page: 1, PageSize: 2})
				require.NoError(t, err)
				require.Len(t, page1.Workflows, 2)
				require.Equal(t, int64(5), page1.TotalCount)
				require.Equal(t, 3, page1.TotalPages)
				require.True(t, page1.HasNextPage)
				require.False(t, page1.HasPreviousPage)

				page3, err := s.GetWorkflowList(ctx, readmodel.ListOptions{Page: 3, PageSize: 2})
				require.NoError(t, err)
				require.Len(t, page3.Workflows, 1)
				require.False(t, page3.HasNextPage)
				require.True(t, page3.HasPreviousPage)

				beyond, err := s.GetWorkflowList(ctx, readmodel.ListOptions{Page: 9, PageSize: 2})
				require.NoError(t, err)
				require.Empty(t, beyond.Workflows)
				require.Equal(t, int64(5), beyond.TotalCount)
			},
		},
		{
			name: "SearchWorkflows_DelegatesToList",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("Graphene synthesis", "CVD methods", readmodel.WorkflowStatusCreated, now)))
				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("Steel alloys", "high entropy", readmodel.WorkflowStatusCreated, now.Add(time.Second))))

				list, err := s.SearchWorkflows(ctx, "graphene", 1, 10)
				require.NoError(t, err)
				require.Equal(t, int64(1), list.TotalCount)
				require.Equal(t, "Graphene synthesis", list.Workflows[0].Name)
			},
		},
		{
			name: "GetWorkflowStats_Aggregates",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				start := time.Now().UTC().Add(-time.Hour)
				end := start.Add(30 * time.Minute)

				done := sampleWorkflow("done", "q", readmodel.WorkflowStatusCompleted, start)
				done.StartedAt = &start
				done.CompletedAt = &end
				done.Tasks = []readmodel.Task{
					*sampleTask(done.ID, "web_search", readmodel.TaskStatusCompleted, start),
					*sampleTask(done.ID, "summarize", readmodel.TaskStatusCompleted, start),
				}
				require.NoError(t, s.UpsertWorkflow(ctx, done))

				failed := sampleWorkflow("failed", "q", readmodel.WorkflowStatusFailed, start)
				failed.Tasks = []readmodel.Task{
					*sampleTask(failed.ID, "web_search", readmodel.TaskStatusFailed, start),
				}
				require.NoError(t, s.UpsertWorkflow(ctx, failed))

				require.NoError(t, s.UpsertWorkflow(ctx, sampleWorkflow("pending", "q", readmodel.WorkflowStatusCreated, start)))

				stats, err := s.GetWorkflowStats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(3), stats.TotalWorkflows)
				require.Equal(t, int64(1), stats.WorkflowsByStatus["completed"])
				require.Equal(t, int64(1), stats.WorkflowsByStatus["failed"])
				require.Equal(t, int64(1), stats.WorkflowsByStatus["created"])
				require.InDelta(t, 30.0, stats.AverageCompletionTimeMinutes, 0.001)
				require.InDelta(t, 50.0, stats.SuccessRatePercentage, 0.001)
				require.Equal(t, int64(3), stats.TaskStatistics.TotalTasks)
				require.Equal(t, int64(2), stats.TaskStatistics.TasksByType["web_search"])
				require.Equal(t, int64(3), stats.TaskStatistics.TasksByAgent["researcher"])
				require.InDelta(t, 66.666, stats.TaskStatistics.TaskSuccessRate, 0.001)
			},
		},
		{
			name: "GetTasksByWorkflow_CreationOrder",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				workflowID := uuid.New()
				base := time.Now().UTC().Add(-time.Hour)

				second := sampleTask(workflowID, "summarize", readmodel.TaskStatusRunning, base.Add(time.Minute))
				first := sampleTask(workflowID, "web_search", readmodel.TaskStatusCompleted, base)
				require.NoError(t, s.UpsertTask(ctx, second))
				require.NoError(t, s.UpsertTask(ctx, first))

				tasks, err := s.GetTasksByWorkflow(ctx, workflowID, "")
				require.NoError(t, err)
				require.Len(t, tasks, 2)
				require.Equal(t, first.ID, tasks[0].ID)
				require.Equal(t, second.ID, tasks[1].ID)
			},
		},
		{
			name: "GetTasksByWorkflow_FiltersByStatus",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				workflowID := uuid.New()
				now := time.Now().UTC()
				require.NoError(t, s.UpsertTask(ctx, sampleTask(workflowID, "web_search", readmodel.TaskStatusCompleted, now)))
				require.NoError(t, s.UpsertTask(ctx, sampleTask(workflowID, "summarize", readmodel.TaskStatusRunning, now.Add(time.Second))))
				require.NoError(t, s.UpsertTask(ctx, sampleTask(uuid.New(), "web_search", readmodel.TaskStatusCompleted, now)))

				tasks, err := s.GetTasksByWorkflow(ctx, workflowID, readmodel.TaskStatusCompleted)
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, "web_search", tasks[0].TaskType)
			},
		},
		{
			name: "GetTasksByWorkflow_EmptyForUnknownWorkflow",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				tasks, err := s.GetTasksByWorkflow(ctx, uuid.New(), "")
				require.NoError(t, err)
				require.Empty(t, tasks)
			},
		},
		{
			name: "UpsertTask_IdempotentPerID",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				task := sampleTask(uuid.New(), "web_search", readmodel.TaskStatusRunning, time.Now().UTC())
				require.NoError(t, s.UpsertTask(ctx, task))

				task.Status = readmodel.TaskStatusCompleted
				require.NoError(t, s.UpsertTask(ctx, task))

				tasks, err := s.GetTasksByWorkflow(ctx, task.WorkflowID, "")
				require.NoError(t, err)
				require.Len(t, tasks, 1)
				require.Equal(t, readmodel.TaskStatusCompleted, tasks[0].Status)

				stats, err := s.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalTasks)
			},
		},
		{
			name: "DeleteWorkflow_RemovesWorkflowAndTasks",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				now := time.Now().UTC()
				w := sampleWorkflow("doomed", "q", readmodel.WorkflowStatusRunning, now)
				require.NoError(t, s.UpsertWorkflow(ctx, w))
				require.NoError(t, s.UpsertTask(ctx, sampleTask(w.ID, "web_search", readmodel.TaskStatusRunning, now)))

				keep := sampleWorkflow("kept", "q", readmodel.WorkflowStatusRunning, now)
				require.NoError(t, s.UpsertWorkflow(ctx, keep))

				require.NoError(t, s.DeleteWorkflow(ctx, w.ID))

				_, err := s.GetWorkflow(ctx, w.ID)
				require.ErrorIs(t, err, readmodel.ErrNotFound)

				tasks, err := s.GetTasksByWorkflow(ctx, w.ID, "")
				require.NoError(t, err)
				require.Empty(t, tasks)

				stats, err := s.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalWorkflows)
				require.Equal(t, int64(0), stats.TotalTasks)

				_, err = s.GetWorkflow(ctx, keep.ID)
				require.NoError(t, err)
			},
		},
		{
			name: "HealthCheck",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				require.NoError(t, s.HealthCheck(ctx))
			},
		},
		{
			name: "Stats_TracksCountsAndFreshness",
			f: func(t *testing.T, ctx context.Context, s readmodel.Store) {
				empty, err := s.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(0), empty.TotalWorkflows)
				require.Equal(t, int64(0), empty.TotalTasks)

				now := time.Now().UTC()
				w := sampleWorkflow("w", "q", readmodel.WorkflowStatusCreated, now)
				require.NoError(t, s.UpsertWorkflow(ctx, w))
				require.NoError(t, s.UpsertTask(ctx, sampleTask(w.ID, "web_search", readmodel.TaskStatusRunning, now)))

				stats, err := s.Stats(ctx)
				require.NoError(t, err)
				require.Equal(t, int64(1), stats.TotalWorkflows)
				require.Equal(t, int64(1), stats.TotalTasks)
				require.WithinDuration(t, time.Now().UTC(), stats.LastUpdated, time.Minute)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setup()
			ctx := context.Background()
			tt.f(t, ctx, s)
			if teardown != nil {
				teardown(s)
			}
		})
	}
}
