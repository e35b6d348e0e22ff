package events

import (
	"encoding/json"
	"fmt"
)

// Kind is the JSON kind expected for a schema field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindObject
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

type Field struct {
	Name     string
	Kind     Kind
	Required bool
}

// Schema is a structural description of an event payload: required fields
// and their JSON kinds. It is independent of the Go types so that
// incompatible producers are caught before persistence.
type Schema struct {
	Fields []Field
}

// Validate checks the raw payload against the schema. A JSON null counts as
// absent.
func (s *Schema) Validate(eventType EventType, data []byte) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		return &SchemaError{EventType: eventType, Reason: "event data must be an object"}
	}

	for _, field := range s.Fields {
		value, ok := payload[field.Name]
		if !ok || value == nil {
			if field.Required {
				return &SchemaError{EventType: eventType, Reason: fmt.Sprintf("missing required field %q", field.Name)}
			}

			continue
		}

		if !kindMatches(field.Kind, value) {
			return &SchemaError{
				EventType: eventType,
				Reason:    fmt.Sprintf("field %q must be of kind %v", field.Name, field.Kind),
			}
		}
	}

	return nil
}

func kindMatches(kind Kind, value interface{}) bool {
	switch kind {
	case KindString:
		_, ok := value.(string)
		return ok
	case KindNumber:
		_, ok := value.(float64)
		return ok
	case KindBool:
		_, ok := value.(bool)
		return ok
	case KindObject:
		_, ok := value.(map[string]interface{})
		return ok
	case KindArray:
		_, ok := value.([]interface{})
		return ok
	default:
		return false
	}
}

func builtinSchemas() map[EventType]*Schema {
	return map[EventType]*Schema{
		EventTypeWorkflowCreated: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "name", Kind: KindString, Required: true},
			{Name: "query", Kind: KindString, Required: true},
			{Name: "methodology", Kind: KindObject, Required: true},
			{Name: "created_at", Kind: KindString, Required: true},
		}},
		EventTypeExecutionStarted: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "started_at", Kind: KindString, Required: true},
		}},
		EventTypeTaskCreated: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "task_id", Kind: KindString, Required: true},
			{Name: "task_type", Kind: KindString, Required: true},
			{Name: "agent_type", Kind: KindString, Required: false},
			{Name: "created_at", Kind: KindString, Required: true},
		}},
		EventTypeTaskCompleted: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "task_id", Kind: KindString, Required: true},
			{Name: "completed_at", Kind: KindString, Required: true},
		}},
		EventTypeExecutionComplete: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "results", Kind: KindObject, Required: true},
			{Name: "completed_at", Kind: KindString, Required: true},
		}},
		EventTypeExecutionFailed: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "error", Kind: KindString, Required: true},
			{Name: "failed_at", Kind: KindString, Required: true},
		}},
		EventTypeWorkflowUpdated: {Fields: []Field{
			{Name: "workflow_id", Kind: KindString, Required: true},
			{Name: "updates", Kind: KindObject, Required: true},
			{Name: "updated_at", Kind: KindString, Required: true},
		}},
		EventTypeAgentCreated: {Fields: []Field{
			{Name: "agent_id", Kind: KindString, Required: true},
			{Name: "agent_type", Kind: KindString, Required: true},
			{Name: "configuration", Kind: KindObject, Required: true},
			{Name: "created_at", Kind: KindString, Required: true},
		}},
		EventTypeAgentTaskAssigned: {Fields: []Field{
			{Name: "agent_id", Kind: KindString, Required: true},
			{Name: "task_id", Kind: KindString, Required: true},
			{Name: "assigned_at", Kind: KindString, Required: true},
		}},
		EventTypeAgentResponseGenerated: {Fields: []Field{
			{Name: "agent_id", Kind: KindString, Required: true},
			{Name: "task_id", Kind: KindString, Required: true},
			{Name: "generated_at", Kind: KindString, Required: true},
		}},
		EventTypeAgentError: {Fields: []Field{
			{Name: "agent_id", Kind: KindString, Required: true},
			{Name: "error", Kind: KindString, Required: true},
			{Name: "occurred_at", Kind: KindString, Required: true},
		}},
	}
}
