package cqrs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/readmodel"
)

// Projection folds committed events into read models. Apply runs under
// at-least-once delivery and must therefore be idempotent: upsert keyed by
// id, never a blind increment.
type Projection interface {
	// Name identifies the projection; checkpoints are stored under it.
	Name() string

	// EventTypes lists the event types the projection consumes. Events of
	// other types are skipped (they still advance the checkpoint).
	EventTypes() []events.EventType

	// Apply folds one event into the read models.
	Apply(ctx context.Context, event *events.Event, store readmodel.Store) error

	// Initialize prepares the projection before its consumer starts.
	Initialize(ctx context.Context, store readmodel.Store) error

	// Reset drops the projection's read models so history can be reapplied
	// from position zero.
	Reset(ctx context.Context, store readmodel.Store) error
}

// WorkflowProjection maintains the workflow detail, task, list, and stats
// read models from the workflow event stream.
type WorkflowProjection struct{}

var _ Projection = (*WorkflowProjection)(nil)

func NewWorkflowProjection() *WorkflowProjection {
	return &WorkflowProjection{}
}

func (p *WorkflowProjection) Name() string {
	return "research_workflow_projection"
}

func (p *WorkflowProjection) EventTypes() []events.EventType {
	return []events.EventType{
		events.EventTypeWorkflowCreated,
		events.EventTypeExecutionStarted,
		events.EventTypeTaskCreated,
		events.EventTypeTaskCompleted,
		events.EventTypeExecutionComplete,
		events.EventTypeExecutionFailed,
		events.EventTypeWorkflowUpdated,
	}
}

func (p *WorkflowProjection) Initialize(ctx context.Context, store readmodel.Store) error {
	return nil
}

// Reset deletes every workflow read model, tasks included, so a replay can
// rebuild them from position zero.
func (p *WorkflowProjection) Reset(ctx context.Context, store readmodel.Store) error {
	for {
		list, err := store.GetWorkflowList(ctx, readmodel.ListOptions{Page: 1, PageSize: readmodel.DefaultPageSize})
		if err != nil {
			return fmt.Errorf("listing workflows for reset: %w", err)
		}

		if len(list.Workflows) == 0 {
			return nil
		}

		for _, workflow := range list.Workflows {
			if err := store.DeleteWorkflow(ctx, workflow.ID); err != nil {
				return fmt.Errorf("deleting workflow %v: %w", workflow.ID, err)
			}
		}
	}
}

func (p *WorkflowProjection) Apply(ctx context.Context, event *events.Event, store readmodel.Store) error {
	switch a := event.Attributes.(type) {
	case *events.WorkflowCreatedAttributes:
		return p.applyCreated(ctx, store, a)

	case *events.ExecutionStartedAttributes:
		return p.applyStarted(ctx, store, a)

	case *events.TaskCreatedAttributes:
		return p.applyTaskCreated(ctx, store, a)

	case *events.TaskCompletedAttributes:
		return p.applyTaskCompleted(ctx, store, a)

	case *events.ExecutionCompletedAttributes:
		return p.applyCompleted(ctx, store, a)

	case *events.ExecutionFailedAttributes:
		return p.applyFailed(ctx, store, a)

	case *events.WorkflowUpdatedAttributes:
		return p.applyUpdated(ctx, store, a)

	default:
		// Not consumed; the manager filters by EventTypes before Apply.
		return nil
	}
}

func (p *WorkflowProjection) applyCreated(ctx context.Context, store readmodel.Store, a *events.WorkflowCreatedAttributes) error {
	methodology, err := json.Marshal(a.Methodology)
	if err != nil {
		return fmt.Errorf("marshaling methodology: %w", err)
	}

	workflow := &readmodel.Workflow{
		ID:          a.WorkflowID,
		Name:        a.Name,
		Query:       a.Query,
		Methodology: methodology,
		Status:      readmodel.WorkflowStatusCreated,
		CreatedAt:   a.CreatedAt,
		UpdatedAt:   a.CreatedAt,
		Tasks:       []readmodel.Task{},
	}
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyStarted(ctx context.Context, store readmodel.Store, a *events.ExecutionStartedAttributes) error {
	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	startedAt := a.StartedAt
	workflow.Status = readmodel.WorkflowStatusRunning
	workflow.StartedAt = &startedAt
	workflow.UpdatedAt = a.StartedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyTaskCreated(ctx context.Context, store readmodel.Store, a *events.TaskCreatedAttributes) error {
	task := readmodel.Task{
		ID:         a.TaskID,
		WorkflowID: a.WorkflowID,
		TaskType:   a.TaskType,
		AgentType:  a.AgentType,
		Status:     readmodel.TaskStatusCreated,
		CreatedAt:  a.CreatedAt,
	}

	if err := store.UpsertTask(ctx, &task); err != nil {
		return err
	}

	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	upsertWorkflowTask(workflow, task)
	workflow.UpdatedAt = a.CreatedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyTaskCompleted(ctx context.Context, store readmodel.Store, a *events.TaskCompletedAttributes) error {
	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	var task *readmodel.Task
	for i := range workflow.Tasks {
		if workflow.Tasks[i].ID == a.TaskID {
			task = &workflow.Tasks[i]
			break
		}
	}
	if task == nil {
		return fmt.Errorf("task %v not found on workflow %v", a.TaskID, a.WorkflowID)
	}

	completedAt := a.CompletedAt
	task.Status = readmodel.TaskStatusCompleted
	task.CompletedAt = &completedAt
	task.Results = a.Results
	if task.StartedAt != nil {
		seconds := int64(completedAt.Sub(*task.StartedAt).Seconds())
		task.DurationSeconds = &seconds
	}

	if err := store.UpsertTask(ctx, task); err != nil {
		return err
	}

	workflow.UpdatedAt = a.CompletedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyCompleted(ctx context.Context, store readmodel.Store, a *events.ExecutionCompletedAttributes) error {
	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	results, err := json.Marshal(a.Results)
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}

	completedAt := a.CompletedAt
	workflow.Status = readmodel.WorkflowStatusCompleted
	workflow.CompletedAt = &completedAt
	workflow.Results = results
	workflow.UpdatedAt = a.CompletedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyFailed(ctx context.Context, store readmodel.Store, a *events.ExecutionFailedAttributes) error {
	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	failedAt := a.FailedAt
	workflow.Status = readmodel.WorkflowStatusFailed
	workflow.CompletedAt = &failedAt
	workflow.ErrorMessage = a.Error
	workflow.UpdatedAt = a.FailedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

func (p *WorkflowProjection) applyUpdated(ctx context.Context, store readmodel.Store, a *events.WorkflowUpdatedAttributes) error {
	workflow, err := store.GetWorkflow(ctx, a.WorkflowID)
	if err != nil {
		return err
	}

	var fields struct {
		Name  *string   `json:"name"`
		Query *string   `json:"query"`
		Tags  *[]string `json:"tags"`
	}
	if err := json.Unmarshal(a.Updates, &fields); err == nil {
		if fields.Name != nil && *fields.Name != "" {
			workflow.Name = *fields.Name
		}
		if fields.Query != nil && *fields.Query != "" {
			workflow.Query = *fields.Query
		}
		if fields.Tags != nil {
			workflow.Tags = *fields.Tags
		}
	}

	workflow.UpdatedAt = a.UpdatedAt
	workflow.RecomputeMetrics()

	return store.UpsertWorkflow(ctx, workflow)
}

// upsertWorkflowTask replaces the task on the workflow's inline list, or
// appends it. Keyed by task id so reapplying the same event converges.
func upsertWorkflowTask(workflow *readmodel.Workflow, task readmodel.Task) {
	for i := range workflow.Tasks {
		if workflow.Tasks[i].ID == task.ID {
			workflow.Tasks[i] = task
			return
		}
	}

	workflow.Tasks = append(workflow.Tasks, task)
}
