package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestSerializeRoundtrip(t *testing.T) {
	s := NewJSONSerializer()
	streamID := uuid.New()

	event := NewEvent(streamID, &WorkflowCreatedAttributes{
		WorkflowID: streamID,
		Name:       "literature review",
		Query:      "event sourcing in production systems",
		Methodology: ResearchMethodology{
			Name:                     "systematic",
			Steps:                    []string{"collect", "screen", "extract"},
			AIAgents:                 []string{"searcher", "summarizer"},
			EstimatedDurationMinutes: 45,
		},
		CreatedAt: time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC),
	}, WithCorrelationID(uuid.New()))
	event.Metadata.SequenceNumber = 1

	serialized, err := s.Serialize(event)
	require.NoError(t, err)
	require.Equal(t, event.Metadata, serialized.Metadata)

	decoded, err := s.Deserialize(serialized)
	require.NoError(t, err)
	require.Equal(t, event.Metadata, decoded.Metadata)
	require.Equal(t, event.Attributes, decoded.Attributes)
}

func TestSerializeRejectsInvalidEvent(t *testing.T) {
	s := NewJSONSerializer()
	streamID := uuid.New()

	event := NewEvent(streamID, &WorkflowCreatedAttributes{
		WorkflowID: streamID,
		Name:       "",
		Query:      "q",
	})

	serialized, err := s.Serialize(event)
	require.Nil(t, serialized)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDeserializeUnknownEventType(t *testing.T) {
	s := NewJSONSerializer()

	serialized := &SerializedEvent{
		Metadata: Metadata{
			EventID:      uuid.New(),
			StreamID:     uuid.New(),
			EventType:    "research.workflow.archived",
			EventVersion: 1,
		},
		Data: json.RawMessage(`{}`),
	}

	_, err := s.Deserialize(serialized)

	var uerr *UnknownEventTypeError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, EventType("research.workflow.archived"), uerr.EventType)
}

func TestDeserializeRejectsSchemaViolation(t *testing.T) {
	s := NewJSONSerializer()

	serialized := &SerializedEvent{
		Metadata: Metadata{
			EventID:      uuid.New(),
			StreamID:     uuid.New(),
			EventType:    EventTypeWorkflowCreated,
			EventVersion: 1,
		},
		// name is missing, methodology has the wrong kind
		Data: json.RawMessage(`{"workflow_id":"3e0170c5-51e3-4a8f-b631-20ec7dcd5a02","query":"q","methodology":"systematic","created_at":"2025-03-07T12:00:00Z"}`),
	}

	_, err := s.Deserialize(serialized)

	var serr *SchemaError
	require.ErrorAs(t, err, &serr)
}

type workflowArchivedAttributes struct {
	WorkflowID uuid.UUID `json:"workflow_id"`
	Reason     string    `json:"reason"`
}

func (a *workflowArchivedAttributes) EventType() EventType {
	return "research.workflow.archived"
}

func (a *workflowArchivedAttributes) EventVersion() int64 {
	return 1
}

func (a *workflowArchivedAttributes) Validate() error {
	return nil
}

func TestRegisterCustomEventType(t *testing.T) {
	s := NewJSONSerializer()

	RegisterEventType[workflowArchivedAttributes](s, &Schema{Fields: []Field{
		{Name: "workflow_id", Kind: KindString, Required: true},
		{Name: "reason", Kind: KindString, Required: true},
	}})

	streamID := uuid.New()
	event := NewEvent(streamID, &workflowArchivedAttributes{
		WorkflowID: streamID,
		Reason:     "superseded",
	})

	serialized, err := s.Serialize(event)
	require.NoError(t, err)

	decoded, err := s.Deserialize(serialized)
	require.NoError(t, err)
	require.Equal(t, event.Attributes, decoded.Attributes)
	require.Contains(t, s.SupportedEventTypes(), EventType("research.workflow.archived"))
}

func TestSupportedEventTypes(t *testing.T) {
	s := NewJSONSerializer()
	types := s.SupportedEventTypes()

	require.Contains(t, types, EventTypeWorkflowCreated)
	require.Contains(t, types, EventTypeTaskCompleted)
	require.Contains(t, types, EventTypeAgentCreated)
	require.Len(t, types, 11)
}
