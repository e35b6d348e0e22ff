package aggregate

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
)

// WorkflowStatus is the lifecycle state of a research workflow.
type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"

	// WorkflowStatusCancelled is reserved; no operation emits it yet.
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

// Terminal reports whether no further lifecycle transitions are allowed.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// TaskInfo is the per-task state tracked inside the workflow aggregate.
type TaskInfo struct {
	TaskID      uuid.UUID       `json:"task_id"`
	TaskType    string          `json:"task_type"`
	AgentType   string          `json:"agent_type,omitempty"`
	Status      TaskStatus      `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Results     json.RawMessage `json:"results,omitempty"`
}

// WorkflowState is the snapshot representation of a research workflow.
type WorkflowState struct {
	ID           uuid.UUID                   `json:"id"`
	Name         string                      `json:"name"`
	Query        string                      `json:"query"`
	Methodology  *events.ResearchMethodology `json:"methodology,omitempty"`
	Status       WorkflowStatus              `json:"status"`
	CreatedAt    time.Time                   `json:"created_at"`
	StartedAt    *time.Time                  `json:"started_at,omitempty"`
	CompletedAt  *time.Time                  `json:"completed_at,omitempty"`
	Results      *events.ResearchResults     `json:"results,omitempty"`
	Tasks        []TaskInfo                  `json:"tasks"`
	ErrorMessage string                      `json:"error_message,omitempty"`
}

// ResearchWorkflow is the write model for one research workflow stream.
type ResearchWorkflow struct {
	id          uuid.UUID
	version     int64
	state       WorkflowState
	uncommitted []*events.Event
}

var _ Root = (*ResearchWorkflow)(nil)

// NewResearchWorkflow returns an empty aggregate for the given stream, ready
// to be loaded via snapshot restore or event replay.
func NewResearchWorkflow(id uuid.UUID) *ResearchWorkflow {
	return &ResearchWorkflow{
		id: id,
		state: WorkflowState{
			ID:     id,
			Status: WorkflowStatusCreated,
		},
	}
}

// CreateWorkflow creates a new workflow aggregate and queues its creation
// event. Name and query must not be blank.
func CreateWorkflow(id uuid.UUID, name, query string, methodology events.ResearchMethodology, opts ...events.EventOption) (*ResearchWorkflow, error) {
	w := NewResearchWorkflow(id)

	err := w.emit(&events.WorkflowCreatedAttributes{
		WorkflowID:  id,
		Name:        name,
		Query:       query,
		Methodology: methodology,
		CreatedAt:   time.Now().UTC(),
	}, opts...)
	if err != nil {
		return nil, err
	}

	return w, nil
}

// Start moves the workflow from Created to Running.
func (w *ResearchWorkflow) Start(opts ...events.EventOption) error {
	if w.state.Status != WorkflowStatusCreated {
		return &InvalidOperationError{
			Operation: "start workflow",
			Reason:    fmt.Sprintf("workflow is %v", w.state.Status),
		}
	}

	return w.emit(&events.ExecutionStartedAttributes{
		WorkflowID: w.id,
		StartedAt:  time.Now().UTC(),
	}, opts...)
}

// CreateTask adds a task to a running workflow.
func (w *ResearchWorkflow) CreateTask(taskID uuid.UUID, taskType, agentType string, opts ...events.EventOption) error {
	if w.state.Status != WorkflowStatusRunning {
		return &InvalidOperationError{
			Operation: "create task",
			Reason:    fmt.Sprintf("workflow is %v, not running", w.state.Status),
		}
	}

	return w.emit(&events.TaskCreatedAttributes{
		WorkflowID: w.id,
		TaskID:     taskID,
		TaskType:   taskType,
		AgentType:  agentType,
		CreatedAt:  time.Now().UTC(),
	}, opts...)
}

// CompleteTask records results for an existing task that has not been
// completed yet.
func (w *ResearchWorkflow) CompleteTask(taskID uuid.UUID, results json.RawMessage, opts ...events.EventOption) error {
	task, ok := w.Task(taskID)
	if !ok || task.Status == TaskStatusCompleted {
		return &InvalidOperationError{
			Operation: "complete task",
			Reason:    fmt.Sprintf("task %v not found or already completed", taskID),
		}
	}

	return w.emit(&events.TaskCompletedAttributes{
		WorkflowID:  w.id,
		TaskID:      taskID,
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}, opts...)
}

// Complete finishes a running workflow with its research results.
func (w *ResearchWorkflow) Complete(results events.ResearchResults, opts ...events.EventOption) error {
	if w.state.Status != WorkflowStatusRunning {
		return &InvalidOperationError{
			Operation: "complete workflow",
			Reason:    fmt.Sprintf("workflow is %v, not running", w.state.Status),
		}
	}

	return w.emit(&events.ExecutionCompletedAttributes{
		WorkflowID:  w.id,
		Results:     results,
		CompletedAt: time.Now().UTC(),
	}, opts...)
}

// Fail marks the workflow as failed. Allowed from any non-terminal state.
func (w *ResearchWorkflow) Fail(errorMessage string, opts ...events.EventOption) error {
	if w.state.Status.Terminal() {
		return &InvalidOperationError{
			Operation: "fail workflow",
			Reason:    fmt.Sprintf("workflow is already %v", w.state.Status),
		}
	}

	return w.emit(&events.ExecutionFailedAttributes{
		WorkflowID: w.id,
		Error:      errorMessage,
		FailedAt:   time.Now().UTC(),
	}, opts...)
}

// Update applies a metadata update. Allowed in any state.
func (w *ResearchWorkflow) Update(updates json.RawMessage, opts ...events.EventOption) error {
	return w.emit(&events.WorkflowUpdatedAttributes{
		WorkflowID: w.id,
		Updates:    updates,
		UpdatedAt:  time.Now().UTC(),
	}, opts...)
}

func (w *ResearchWorkflow) emit(attributes events.Attributes, opts ...events.EventOption) error {
	event := events.NewEvent(w.id, attributes, opts...)

	if err := event.Validate(); err != nil {
		return err
	}

	if err := w.ApplyEvent(event); err != nil {
		return err
	}

	w.uncommitted = append(w.uncommitted, event)

	return nil
}

func (w *ResearchWorkflow) ID() uuid.UUID {
	return w.id
}

func (w *ResearchWorkflow) Version() int64 {
	return w.version
}

func (w *ResearchWorkflow) UncommittedEvents() []*events.Event {
	return append([]*events.Event(nil), w.uncommitted...)
}

func (w *ResearchWorkflow) MarkEventsCommitted() {
	w.uncommitted = w.uncommitted[:0]
}

// ApplyEvent folds one event into the aggregate state and advances the
// version. Events read back from the store carry sequence numbers and must
// arrive in order; freshly emitted events are not numbered yet.
func (w *ResearchWorkflow) ApplyEvent(event *events.Event) error {
	if event.Metadata.StreamID != w.id {
		return &events.ValidationError{
			EventType: event.Type(),
			Reason:    fmt.Sprintf("event belongs to stream %v, not %v", event.Metadata.StreamID, w.id),
		}
	}

	if seq := event.Metadata.SequenceNumber; seq != 0 && seq != w.version+1 {
		return &InvalidOperationError{
			Operation: "apply event",
			Reason:    fmt.Sprintf("sequence %d does not follow version %d", seq, w.version),
		}
	}

	switch a := event.Attributes.(type) {
	case *events.WorkflowCreatedAttributes:
		methodology := a.Methodology
		w.state.ID = a.WorkflowID
		w.state.Name = a.Name
		w.state.Query = a.Query
		w.state.Methodology = &methodology
		w.state.Status = WorkflowStatusCreated
		w.state.CreatedAt = a.CreatedAt

	case *events.ExecutionStartedAttributes:
		startedAt := a.StartedAt
		w.state.Status = WorkflowStatusRunning
		w.state.StartedAt = &startedAt

	case *events.TaskCreatedAttributes:
		w.state.Tasks = append(w.state.Tasks, TaskInfo{
			TaskID:    a.TaskID,
			TaskType:  a.TaskType,
			AgentType: a.AgentType,
			Status:    TaskStatusCreated,
			CreatedAt: a.CreatedAt,
		})

	case *events.TaskCompletedAttributes:
		for i := range w.state.Tasks {
			if w.state.Tasks[i].TaskID == a.TaskID {
				completedAt := a.CompletedAt
				w.state.Tasks[i].Status = TaskStatusCompleted
				w.state.Tasks[i].CompletedAt = &completedAt
				w.state.Tasks[i].Results = a.Results
				break
			}
		}

	case *events.ExecutionCompletedAttributes:
		results := a.Results
		completedAt := a.CompletedAt
		w.state.Status = WorkflowStatusCompleted
		w.state.Results = &results
		w.state.CompletedAt = &completedAt

	case *events.ExecutionFailedAttributes:
		failedAt := a.FailedAt
		w.state.Status = WorkflowStatusFailed
		w.state.ErrorMessage = a.Error
		w.state.CompletedAt = &failedAt

	case *events.WorkflowUpdatedAttributes:
		w.applyUpdates(a.Updates)

	default:
		return &events.UnknownEventTypeError{EventType: event.Type()}
	}

	w.version++

	return nil
}

// applyUpdates folds a partial metadata update into the state. Unknown
// fields are ignored; malformed updates leave the state unchanged but the
// event still counts towards the version.
func (w *ResearchWorkflow) applyUpdates(updates json.RawMessage) {
	var fields struct {
		Name  *string `json:"name"`
		Query *string `json:"query"`
	}
	if err := json.Unmarshal(updates, &fields); err != nil {
		return
	}

	if fields.Name != nil && *fields.Name != "" {
		w.state.Name = *fields.Name
	}
	if fields.Query != nil && *fields.Query != "" {
		w.state.Query = *fields.Query
	}
}

func (w *ResearchWorkflow) State() (json.RawMessage, error) {
	data, err := json.Marshal(w.state)
	if err != nil {
		return nil, fmt.Errorf("marshaling workflow state: %w", err)
	}

	return data, nil
}

func (w *ResearchWorkflow) Restore(version int64, state json.RawMessage) error {
	var restored WorkflowState
	if err := json.Unmarshal(state, &restored); err != nil {
		return fmt.Errorf("unmarshaling workflow state: %w", err)
	}

	w.state = restored
	w.version = version
	w.uncommitted = nil

	return nil
}

// Validate checks the state invariants that every committed workflow
// satisfies.
func (w *ResearchWorkflow) Validate() error {
	if w.state.Name == "" {
		return &InvalidOperationError{Operation: "validate workflow", Reason: "name is empty"}
	}

	if w.state.Query == "" {
		return &InvalidOperationError{Operation: "validate workflow", Reason: "query is empty"}
	}

	switch w.state.Status {
	case WorkflowStatusRunning:
		if w.state.StartedAt == nil {
			return &InvalidOperationError{Operation: "validate workflow", Reason: "running workflow has no start time"}
		}
	case WorkflowStatusCompleted:
		if w.state.CompletedAt == nil {
			return &InvalidOperationError{Operation: "validate workflow", Reason: "completed workflow has no completion time"}
		}
		if w.state.Results == nil {
			return &InvalidOperationError{Operation: "validate workflow", Reason: "completed workflow has no results"}
		}
	case WorkflowStatusFailed:
		if w.state.ErrorMessage == "" {
			return &InvalidOperationError{Operation: "validate workflow", Reason: "failed workflow has no error message"}
		}
	}

	return nil
}

func (w *ResearchWorkflow) Name() string {
	return w.state.Name
}

func (w *ResearchWorkflow) Query() string {
	return w.state.Query
}

func (w *ResearchWorkflow) Status() WorkflowStatus {
	return w.state.Status
}

func (w *ResearchWorkflow) Results() *events.ResearchResults {
	return w.state.Results
}

func (w *ResearchWorkflow) ErrorMessage() string {
	return w.state.ErrorMessage
}

// Task returns the task with the given id, if present.
func (w *ResearchWorkflow) Task(taskID uuid.UUID) (TaskInfo, bool) {
	for _, task := range w.state.Tasks {
		if task.TaskID == taskID {
			return task, true
		}
	}

	return TaskInfo{}, false
}

// Tasks returns a copy of the task list in creation order.
func (w *ResearchWorkflow) Tasks() []TaskInfo {
	return append([]TaskInfo(nil), w.state.Tasks...)
}

// AllTasksCompleted reports whether the workflow has tasks and every one of
// them is completed.
func (w *ResearchWorkflow) AllTasksCompleted() bool {
	if len(w.state.Tasks) == 0 {
		return false
	}

	for _, task := range w.state.Tasks {
		if task.Status != TaskStatusCompleted {
			return false
		}
	}

	return true
}
