package eventstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/events"
	mi "github.com/freedeepresearch/eventcore/internal/metrics"
)

type captureSubscriber struct {
	name string
	err  error

	mu       sync.Mutex
	received [][]*events.Event
}

func (s *captureSubscriber) Name() string {
	return s.name
}

func (s *captureSubscriber) HandleEvents(ctx context.Context, evts []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, evts)
	return s.err
}

func (s *captureSubscriber) batches() [][]*events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.received
}

func testEvents(t *testing.T, streamID uuid.UUID, n int) []*events.Event {
	t.Helper()

	evts := make([]*events.Event, n)
	for i := range evts {
		evts[i] = events.NewEvent(streamID, &events.ExecutionStartedAttributes{
			WorkflowID: streamID,
			StartedAt:  time.Now().UTC(),
		})
		evts[i].Metadata.SequenceNumber = int64(i + 1)
	}

	return evts
}

func TestBusPublish(t *testing.T) {
	t.Run("delivers to all subscribers", func(t *testing.T) {
		bus := NewBus(slog.Default(), mi.NewNoopMetricsClient())

		first := &captureSubscriber{name: "first"}
		second := &captureSubscriber{name: "second"}
		bus.Subscribe(first)
		bus.Subscribe(second)

		evts := testEvents(t, uuid.New(), 3)
		bus.Publish(context.Background(), evts)

		require.Len(t, first.batches(), 1)
		require.Len(t, second.batches(), 1)
		assert.Equal(t, evts, first.batches()[0])
		assert.Equal(t, evts, second.batches()[0])
	})

	t.Run("continues past subscriber errors", func(t *testing.T) {
		bus := NewBus(slog.Default(), mi.NewNoopMetricsClient())

		failing := &captureSubscriber{name: "failing", err: errors.New("projection stalled")}
		healthy := &captureSubscriber{name: "healthy"}
		bus.Subscribe(failing)
		bus.Subscribe(healthy)

		evts := testEvents(t, uuid.New(), 1)
		bus.Publish(context.Background(), evts)

		require.Len(t, failing.batches(), 1)
		require.Len(t, healthy.batches(), 1)
	})

	t.Run("no subscribers", func(t *testing.T) {
		bus := NewBus(slog.Default(), mi.NewNoopMetricsClient())

		bus.Publish(context.Background(), testEvents(t, uuid.New(), 2))
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		bus := NewBus(slog.Default(), mi.NewNoopMetricsClient())

		subscriber := &captureSubscriber{name: "sub"}
		bus.Subscribe(subscriber)

		bus.Publish(context.Background(), nil)

		assert.Empty(t, subscriber.batches())
	})
}

func TestSubscriberFunc(t *testing.T) {
	bus := NewBus(slog.Default(), mi.NewNoopMetricsClient())

	var got []*events.Event
	bus.Subscribe(SubscriberFunc("inline", func(ctx context.Context, evts []*events.Event) error {
		got = evts
		return nil
	}))

	evts := testEvents(t, uuid.New(), 2)
	bus.Publish(context.Background(), evts)

	assert.Equal(t, evts, got)
}
