package events

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	streamID := uuid.New()
	correlationID := uuid.New()

	e := NewEvent(streamID, &ExecutionStartedAttributes{
		WorkflowID: streamID,
		StartedAt:  time.Date(2025, time.March, 7, 12, 0, 0, 0, time.UTC),
	}, WithCorrelationID(correlationID))

	require.NotEqual(t, uuid.Nil, e.Metadata.EventID)
	require.Equal(t, streamID, e.Metadata.StreamID)
	require.Equal(t, EventTypeExecutionStarted, e.Type())
	require.Equal(t, int64(1), e.Version())
	require.NotNil(t, e.CorrelationID())
	require.Equal(t, correlationID, *e.CorrelationID())
	require.Nil(t, e.CausationID())
	require.Zero(t, e.Metadata.SequenceNumber)
}

func TestEventValidate(t *testing.T) {
	streamID := uuid.New()

	t.Run("valid event", func(t *testing.T) {
		e := NewEvent(streamID, &WorkflowCreatedAttributes{
			WorkflowID:  streamID,
			Name:        "competitive analysis",
			Query:       "compare vector databases",
			Methodology: ResearchMethodology{Name: "systematic"},
			CreatedAt:   time.Now().UTC(),
		})

		require.NoError(t, e.Validate())
	})

	t.Run("blank name is rejected", func(t *testing.T) {
		e := NewEvent(streamID, &WorkflowCreatedAttributes{
			WorkflowID: streamID,
			Name:       "   ",
			Query:      "q",
		})

		var verr *ValidationError
		require.ErrorAs(t, e.Validate(), &verr)
		require.Equal(t, EventTypeWorkflowCreated, verr.EventType)
	})

	t.Run("type mismatch is rejected", func(t *testing.T) {
		e := NewEvent(streamID, &ExecutionStartedAttributes{WorkflowID: streamID})
		e.Metadata.EventType = EventTypeTaskCreated

		var verr *ValidationError
		require.ErrorAs(t, e.Validate(), &verr)
	})

	t.Run("missing attributes are rejected", func(t *testing.T) {
		e := &Event{Metadata: Metadata{EventID: uuid.New(), StreamID: streamID}}

		var verr *ValidationError
		require.ErrorAs(t, e.Validate(), &verr)
	})
}

func TestAttributeValidation(t *testing.T) {
	tests := []struct {
		name       string
		attributes Attributes
		wantErr    bool
	}{
		{"task without type", &TaskCreatedAttributes{TaskType: " "}, true},
		{"task with type", &TaskCreatedAttributes{TaskType: "web_search"}, false},
		{"failure without message", &ExecutionFailedAttributes{}, true},
		{"agent without type", &AgentCreatedAttributes{}, true},
		{"agent error without message", &AgentErrorAttributes{}, true},
		{"update without payload", &WorkflowUpdatedAttributes{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.attributes.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
