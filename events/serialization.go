package events

import (
	"encoding/json"
	"fmt"
	"sort"
)

// SerializedEvent is the persisted and transmitted unit: metadata plus the
// attributes encoded as JSON. JSON stays confined to this package; everything
// above it operates on typed attributes.
type SerializedEvent struct {
	Metadata Metadata        `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

// Serializer converts between events and their serialized form.
type Serializer interface {
	// Serialize validates the event and encodes its attributes. Validation
	// or schema failures reject the event before anything is written.
	Serialize(event *Event) (*SerializedEvent, error)

	// Deserialize decodes a serialized event back into typed attributes,
	// migrating historical payload versions to the current shape first.
	// Unknown event types fail closed.
	Deserialize(serialized *SerializedEvent) (*Event, error)

	SupportedEventTypes() []EventType
}

// JSONSerializer is the default Serializer. Event types are resolved through
// a registry keyed by the type discriminator; the registry is instance state,
// populated with the built-in workflow and agent events on construction.
type JSONSerializer struct {
	factories map[EventType]func() Attributes
	schemas   map[EventType]*Schema
	migrator  *Migrator
}

var _ Serializer = (*JSONSerializer)(nil)

func NewJSONSerializer() *JSONSerializer {
	s := &JSONSerializer{
		factories: map[EventType]func() Attributes{},
		schemas:   map[EventType]*Schema{},
		migrator:  NewMigrator(),
	}

	registerBuiltinEventTypes(s)

	return s
}

// Migrator returns the migration service used at read time.
func (s *JSONSerializer) Migrator() *Migrator {
	return s.migrator
}

// RegisterEventType adds a custom attributes type to the serializer's
// registry. The latest registration for a type wins. A nil schema skips
// structural validation for that type.
func RegisterEventType[T any, PT interface {
	*T
	Attributes
}](s *JSONSerializer, schema *Schema) {
	var p PT = new(T)
	eventType := p.EventType()

	s.factories[eventType] = func() Attributes {
		return PT(new(T))
	}

	if schema != nil {
		s.schemas[eventType] = schema
	} else {
		delete(s.schemas, eventType)
	}
}

func registerBuiltinEventTypes(s *JSONSerializer) {
	schemas := builtinSchemas()

	RegisterEventType[WorkflowCreatedAttributes](s, schemas[EventTypeWorkflowCreated])
	RegisterEventType[ExecutionStartedAttributes](s, schemas[EventTypeExecutionStarted])
	RegisterEventType[TaskCreatedAttributes](s, schemas[EventTypeTaskCreated])
	RegisterEventType[TaskCompletedAttributes](s, schemas[EventTypeTaskCompleted])
	RegisterEventType[ExecutionCompletedAttributes](s, schemas[EventTypeExecutionComplete])
	RegisterEventType[ExecutionFailedAttributes](s, schemas[EventTypeExecutionFailed])
	RegisterEventType[WorkflowUpdatedAttributes](s, schemas[EventTypeWorkflowUpdated])

	RegisterEventType[AgentCreatedAttributes](s, schemas[EventTypeAgentCreated])
	RegisterEventType[AgentTaskAssignedAttributes](s, schemas[EventTypeAgentTaskAssigned])
	RegisterEventType[AgentResponseGeneratedAttributes](s, schemas[EventTypeAgentResponseGenerated])
	RegisterEventType[AgentErrorAttributes](s, schemas[EventTypeAgentError])
}

func (s *JSONSerializer) Serialize(event *Event) (*SerializedEvent, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}

	data, err := json.Marshal(event.Attributes)
	if err != nil {
		return nil, fmt.Errorf("marshaling %v attributes: %w", event.Metadata.EventType, err)
	}

	if err := s.validateSchema(event.Metadata.EventType, data); err != nil {
		return nil, err
	}

	return &SerializedEvent{
		Metadata: event.Metadata,
		Data:     data,
	}, nil
}

func (s *JSONSerializer) Deserialize(serialized *SerializedEvent) (*Event, error) {
	metadata := serialized.Metadata

	factory, ok := s.factories[metadata.EventType]
	if !ok {
		return nil, &UnknownEventTypeError{EventType: metadata.EventType}
	}

	// Upgrade historical payloads before checking them against the current
	// schema. Stored metadata keeps the original version.
	data, err := s.migrator.MigrateToLatest(metadata.EventType, metadata.EventVersion, serialized.Data)
	if err != nil {
		return nil, err
	}

	if err := s.validateSchema(metadata.EventType, data); err != nil {
		return nil, err
	}

	attributes := factory()
	if err := json.Unmarshal(data, attributes); err != nil {
		return nil, fmt.Errorf("unmarshaling %v attributes: %w", metadata.EventType, err)
	}

	return &Event{
		Metadata:   metadata,
		Attributes: attributes,
	}, nil
}

func (s *JSONSerializer) SupportedEventTypes() []EventType {
	types := make([]EventType, 0, len(s.factories))
	for eventType := range s.factories {
		types = append(types, eventType)
	}

	sort.Slice(types, func(i, j int) bool {
		return types[i] < types[j]
	})

	return types
}

func (s *JSONSerializer) validateSchema(eventType EventType, data []byte) error {
	schema, ok := s.schemas[eventType]
	if !ok {
		return nil
	}

	return schema.Validate(eventType, data)
}
