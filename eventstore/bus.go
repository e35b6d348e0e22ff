package eventstore

import (
	"context"
	"log/slog"
	"sync"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/metrics"
)

// Subscriber receives committed events from the bus.
type Subscriber interface {
	Name() string
	HandleEvents(ctx context.Context, evts []*events.Event) error
}

// Bus fans committed events out to subscribers, in process. Delivery happens
// after the storage commit and is best-effort: a subscriber error never rolls
// back the append, and never stops delivery to the remaining subscribers.
type Bus interface {
	Subscribe(subscriber Subscriber)
	Publish(ctx context.Context, evts []*events.Event)
}

type inProcessBus struct {
	logger  *slog.Logger
	metrics metrics.Client

	mu          sync.RWMutex
	subscribers []Subscriber
}

var _ Bus = (*inProcessBus)(nil)

func NewBus(logger *slog.Logger, client metrics.Client) Bus {
	return &inProcessBus{
		logger:  logger,
		metrics: client,
	}
}

func (b *inProcessBus) Subscribe(subscriber Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.subscribers = append(b.subscribers, subscriber)
}

func (b *inProcessBus) Publish(ctx context.Context, evts []*events.Event) {
	if len(evts) == 0 {
		return
	}

	b.mu.RLock()
	subscribers := make([]Subscriber, len(b.subscribers))
	copy(subscribers, b.subscribers)
	b.mu.RUnlock()

	for _, subscriber := range subscribers {
		if err := subscriber.HandleEvents(ctx, evts); err != nil {
			b.metrics.Counter(metrickeys.BusSubscriberErrors, metrics.Tags{}, 1)
			b.logger.ErrorContext(ctx, "event bus subscriber failed",
				log.SubscriberKey, subscriber.Name(),
				"error", err)
		}
	}

	b.metrics.Counter(metrickeys.BusEventsPublished, metrics.Tags{}, int64(len(evts)))
}

type subscriberFunc struct {
	name string
	fn   func(ctx context.Context, evts []*events.Event) error
}

// SubscriberFunc adapts a function to the Subscriber interface.
func SubscriberFunc(name string, fn func(ctx context.Context, evts []*events.Event) error) Subscriber {
	return &subscriberFunc{name: name, fn: fn}
}

func (s *subscriberFunc) Name() string {
	return s.name
}

func (s *subscriberFunc) HandleEvents(ctx context.Context, evts []*events.Event) error {
	return s.fn(ctx, evts)
}
