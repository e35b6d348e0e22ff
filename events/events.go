package events

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event variant. Types are stable string
// discriminators; they never change once events of that type have been
// persisted.
type EventType string

const (
	EventTypeWorkflowCreated   EventType = "research.workflow.created"
	EventTypeExecutionStarted  EventType = "research.workflow.started"
	EventTypeExecutionComplete EventType = "research.workflow.completed"
	EventTypeExecutionFailed   EventType = "research.workflow.failed"
	EventTypeWorkflowUpdated   EventType = "research.workflow.updated"
	EventTypeTaskCreated       EventType = "research.task.created"
	EventTypeTaskCompleted     EventType = "research.task.completed"

	EventTypeAgentCreated           EventType = "ai.agent.created"
	EventTypeAgentTaskAssigned      EventType = "ai.agent.task_assigned"
	EventTypeAgentResponseGenerated EventType = "ai.agent.response_generated"
	EventTypeAgentError             EventType = "ai.agent.error"
)

// Attributes are the event type specific payload of a domain event. Payload
// types carry only the facts needed to rebuild aggregate state.
type Attributes interface {
	// EventType returns the stable type discriminator.
	EventType() EventType

	// EventVersion returns the payload schema version, starting at 1.
	// Breaking payload changes require a new type name or a registered
	// migration rule.
	EventVersion() int64

	// Validate checks the event invariants before the event is serialized
	// or persisted.
	Validate() error
}

// Metadata is the system-level information attached to every event.
type Metadata struct {
	// EventID is a unique identifier for this event
	EventID uuid.UUID `json:"event_id"`

	// StreamID identifies the aggregate instance this event belongs to
	StreamID uuid.UUID `json:"stream_id"`

	EventType    EventType `json:"event_type"`
	EventVersion int64     `json:"event_version"`

	// SequenceNumber is the position within the stream, starting at 1.
	// Assigned by the event store at append time.
	SequenceNumber int64 `json:"sequence_number"`

	Timestamp time.Time `json:"timestamp"`

	// CorrelationID links events and commands of one logical operation
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`

	// CausationID links an event to the command or event that produced it
	CausationID *uuid.UUID `json:"causation_id,omitempty"`
}

// Event is the envelope for a single domain event: metadata plus the typed
// attributes payload.
type Event struct {
	Metadata Metadata

	// Attributes are event type specific attributes
	Attributes Attributes
}

func (e *Event) Type() EventType {
	return e.Metadata.EventType
}

func (e *Event) Version() int64 {
	return e.Metadata.EventVersion
}

func (e *Event) CorrelationID() *uuid.UUID {
	return e.Metadata.CorrelationID
}

func (e *Event) CausationID() *uuid.UUID {
	return e.Metadata.CausationID
}

// Validate checks metadata and payload invariants.
func (e *Event) Validate() error {
	if e.Metadata.EventID == uuid.Nil {
		return &ValidationError{EventType: e.Metadata.EventType, Reason: "event id must not be empty"}
	}

	if e.Metadata.StreamID == uuid.Nil {
		return &ValidationError{EventType: e.Metadata.EventType, Reason: "stream id must not be empty"}
	}

	if e.Attributes == nil {
		return &ValidationError{EventType: e.Metadata.EventType, Reason: "attributes must not be nil"}
	}

	if e.Metadata.EventType != e.Attributes.EventType() {
		return &ValidationError{EventType: e.Metadata.EventType, Reason: "metadata event type does not match attributes"}
	}

	return e.Attributes.Validate()
}

func (e *Event) String() string {
	return string(e.Metadata.EventType)
}

type EventOption func(e *Event)

func WithCorrelationID(correlationID uuid.UUID) EventOption {
	return func(e *Event) {
		e.Metadata.CorrelationID = &correlationID
	}
}

func WithCausationID(causationID uuid.UUID) EventOption {
	return func(e *Event) {
		e.Metadata.CausationID = &causationID
	}
}

func WithTimestamp(timestamp time.Time) EventOption {
	return func(e *Event) {
		e.Metadata.Timestamp = timestamp
	}
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

// NewEvent creates an event for the given stream. Type and version are taken
// from the attributes; the sequence number is assigned later, by the store.
func NewEvent(streamID uuid.UUID, attributes Attributes, opts ...EventOption) *Event {
	e := &Event{
		Metadata: Metadata{
			EventID:      uuid.New(),
			StreamID:     streamID,
			EventType:    attributes.EventType(),
			EventVersion: attributes.EventVersion(),
			Timestamp:    time.Now().UTC(),
		},
		Attributes: attributes,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}
