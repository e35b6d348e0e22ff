package correlation

import (
	"context"

	"github.com/freedeepresearch/eventcore/events"
)

// Propagator moves correlation ids between a context and event metadata.
// Inject runs where events are produced; Extract runs before an event is
// handed to a consumer.
type Propagator interface {
	Inject(ctx context.Context, metadata *events.Metadata) error
	Extract(ctx context.Context, metadata *events.Metadata) (context.Context, error)
}

// IDPropagator propagates correlation and causation ids. Extract chains the
// context to the event being consumed, so follow-on commands and events stay
// reconcilable with their trigger.
type IDPropagator struct{}

var _ Propagator = (*IDPropagator)(nil)

func (*IDPropagator) Inject(ctx context.Context, metadata *events.Metadata) error {
	if id, ok := CorrelationID(ctx); ok {
		metadata.CorrelationID = &id
	}

	if id, ok := CausationID(ctx); ok {
		metadata.CausationID = &id
	}

	return nil
}

func (*IDPropagator) Extract(ctx context.Context, metadata *events.Metadata) (context.Context, error) {
	return fromMetadata(ctx, metadata), nil
}
