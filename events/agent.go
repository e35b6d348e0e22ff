package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AgentCreatedAttributes struct {
	AgentID       uuid.UUID       `json:"agent_id"`
	AgentType     string          `json:"agent_type"`
	Configuration json.RawMessage `json:"configuration"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (a *AgentCreatedAttributes) EventType() EventType {
	return EventTypeAgentCreated
}

func (a *AgentCreatedAttributes) EventVersion() int64 {
	return 1
}

func (a *AgentCreatedAttributes) Validate() error {
	if isBlank(a.AgentType) {
		return &ValidationError{EventType: a.EventType(), Reason: "agent type cannot be empty"}
	}

	return nil
}

type AgentTaskAssignedAttributes struct {
	AgentID    uuid.UUID       `json:"agent_id"`
	TaskID     uuid.UUID       `json:"task_id"`
	TaskData   json.RawMessage `json:"task_data,omitempty"`
	AssignedAt time.Time       `json:"assigned_at"`
}

func (a *AgentTaskAssignedAttributes) EventType() EventType {
	return EventTypeAgentTaskAssigned
}

func (a *AgentTaskAssignedAttributes) EventVersion() int64 {
	return 1
}

func (a *AgentTaskAssignedAttributes) Validate() error {
	return nil
}

type AgentResponseGeneratedAttributes struct {
	AgentID     uuid.UUID       `json:"agent_id"`
	TaskID      uuid.UUID       `json:"task_id"`
	Response    json.RawMessage `json:"response,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

func (a *AgentResponseGeneratedAttributes) EventType() EventType {
	return EventTypeAgentResponseGenerated
}

func (a *AgentResponseGeneratedAttributes) EventVersion() int64 {
	return 1
}

func (a *AgentResponseGeneratedAttributes) Validate() error {
	return nil
}

type AgentErrorAttributes struct {
	AgentID    uuid.UUID  `json:"agent_id"`
	TaskID     *uuid.UUID `json:"task_id,omitempty"`
	Error      string     `json:"error"`
	OccurredAt time.Time  `json:"occurred_at"`
}

func (a *AgentErrorAttributes) EventType() EventType {
	return EventTypeAgentError
}

func (a *AgentErrorAttributes) EventVersion() int64 {
	return 1
}

func (a *AgentErrorAttributes) Validate() error {
	if isBlank(a.Error) {
		return &ValidationError{EventType: a.EventType(), Reason: "error message cannot be empty"}
	}

	return nil
}
