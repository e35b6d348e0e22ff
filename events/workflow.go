package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ResearchMethodology describes how a research workflow is executed.
type ResearchMethodology struct {
	Name                     string   `json:"name"`
	Steps                    []string `json:"steps"`
	AIAgents                 []string `json:"ai_agents"`
	EstimatedDurationMinutes int      `json:"estimated_duration_minutes"`
}

type ResearchResults struct {
	Summary               string            `json:"summary"`
	Findings              []ResearchFinding `json:"findings"`
	Sources               []ResearchSource  `json:"sources"`
	ConfidenceScore       float64           `json:"confidence_score"`
	CompletionTimeMinutes int               `json:"completion_time_minutes"`
}

type ResearchFinding struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

type ResearchSource struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	RelevanceScore float64   `json:"relevance_score"`
	AccessedAt     time.Time `json:"accessed_at"`
}

type WorkflowCreatedAttributes struct {
	WorkflowID  uuid.UUID           `json:"workflow_id"`
	Name        string              `json:"name"`
	Query       string              `json:"query"`
	Methodology ResearchMethodology `json:"methodology"`
	CreatedAt   time.Time           `json:"created_at"`
}

func (a *WorkflowCreatedAttributes) EventType() EventType {
	return EventTypeWorkflowCreated
}

func (a *WorkflowCreatedAttributes) EventVersion() int64 {
	return 1
}

func (a *WorkflowCreatedAttributes) Validate() error {
	if isBlank(a.Name) {
		return &ValidationError{EventType: a.EventType(), Reason: "workflow name cannot be empty"}
	}

	if isBlank(a.Query) {
		return &ValidationError{EventType: a.EventType(), Reason: "research query cannot be empty"}
	}

	return nil
}

type ExecutionStartedAttributes struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	StartedAt  time.Time `json:"started_at"`
}

func (a *ExecutionStartedAttributes) EventType() EventType {
	return EventTypeExecutionStarted
}

func (a *ExecutionStartedAttributes) EventVersion() int64 {
	return 1
}

func (a *ExecutionStartedAttributes) Validate() error {
	return nil
}

type TaskCreatedAttributes struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	TaskType   string    `json:"task_type"`
	AgentType  string    `json:"agent_type,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func (a *TaskCreatedAttributes) EventType() EventType {
	return EventTypeTaskCreated
}

func (a *TaskCreatedAttributes) EventVersion() int64 {
	return 1
}

func (a *TaskCreatedAttributes) Validate() error {
	if isBlank(a.TaskType) {
		return &ValidationError{EventType: a.EventType(), Reason: "task type cannot be empty"}
	}

	return nil
}

type TaskCompletedAttributes struct {
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	TaskID      uuid.UUID       `json:"task_id"`
	Results     json.RawMessage `json:"results,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

func (a *TaskCompletedAttributes) EventType() EventType {
	return EventTypeTaskCompleted
}

func (a *TaskCompletedAttributes) EventVersion() int64 {
	return 1
}

func (a *TaskCompletedAttributes) Validate() error {
	return nil
}

type ExecutionCompletedAttributes struct {
	WorkflowID  uuid.UUID       `json:"workflow_id"`
	Results     ResearchResults `json:"results"`
	CompletedAt time.Time       `json:"completed_at"`
}

func (a *ExecutionCompletedAttributes) EventType() EventType {
	return EventTypeExecutionComplete
}

func (a *ExecutionCompletedAttributes) EventVersion() int64 {
	return 1
}

func (a *ExecutionCompletedAttributes) Validate() error {
	return nil
}

type ExecutionFailedAttributes struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

func (a *ExecutionFailedAttributes) EventType() EventType {
	return EventTypeExecutionFailed
}

func (a *ExecutionFailedAttributes) EventVersion() int64 {
	return 1
}

func (a *ExecutionFailedAttributes) Validate() error {
	if isBlank(a.Error) {
		return &ValidationError{EventType: a.EventType(), Reason: "error message cannot be empty"}
	}

	return nil
}

type WorkflowUpdatedAttributes struct {
	WorkflowID uuid.UUID       `json:"workflow_id"`
	Updates    json.RawMessage `json:"updates"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (a *WorkflowUpdatedAttributes) EventType() EventType {
	return EventTypeWorkflowUpdated
}

func (a *WorkflowUpdatedAttributes) EventVersion() int64 {
	return 1
}

func (a *WorkflowUpdatedAttributes) Validate() error {
	if len(a.Updates) == 0 {
		return &ValidationError{EventType: a.EventType(), Reason: "updates cannot be empty"}
	}

	return nil
}
