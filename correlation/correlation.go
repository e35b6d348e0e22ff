// Package correlation carries correlation and causation ids through
// context.Context, so events produced deep inside a handler stay reconcilable
// with the command, query, or event that triggered them.
package correlation

import (
	"context"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
)

type key int

const (
	correlationKey key = iota
	causationKey
)

// WithCorrelationID returns a context carrying the correlation id.
func WithCorrelationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationID returns the correlation id the context carries, if any.
func CorrelationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(correlationKey).(uuid.UUID)

	return id, ok
}

// WithCausationID returns a context carrying the causation id.
func WithCausationID(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, causationKey, id)
}

// CausationID returns the causation id the context carries, if any.
func CausationID(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(causationKey).(uuid.UUID)

	return id, ok
}

// EnsureCorrelationID returns the context's correlation id, starting a new
// chain when it carries none.
func EnsureCorrelationID(ctx context.Context) (context.Context, uuid.UUID) {
	if id, ok := CorrelationID(ctx); ok {
		return ctx, id
	}

	id := uuid.New()

	return WithCorrelationID(ctx, id), id
}

// FromEvent chains the context to the event being handled: the correlation id
// is the event's (or the event id, for an event that starts a chain), and the
// event id becomes the causation id of whatever the handling produces.
func FromEvent(ctx context.Context, event *events.Event) context.Context {
	return fromMetadata(ctx, &event.Metadata)
}

func fromMetadata(ctx context.Context, metadata *events.Metadata) context.Context {
	correlationID := metadata.EventID
	if metadata.CorrelationID != nil {
		correlationID = *metadata.CorrelationID
	}

	ctx = WithCorrelationID(ctx, correlationID)

	return WithCausationID(ctx, metadata.EventID)
}

// EventOptions returns the event options that stamp the context's ids onto a
// new event. Ids the context does not carry stay unset.
func EventOptions(ctx context.Context) []events.EventOption {
	var opts []events.EventOption

	if id, ok := CorrelationID(ctx); ok {
		opts = append(opts, events.WithCorrelationID(id))
	}

	if id, ok := CausationID(ctx); ok {
		opts = append(opts, events.WithCausationID(id))
	}

	return opts
}
