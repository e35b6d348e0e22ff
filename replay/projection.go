package replay

import (
	"context"
	"fmt"

	"github.com/freedeepresearch/eventcore/cqrs"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/readmodel"
)

// ProjectionHandler adapts a projection so a replay can rebuild its read
// models from history, outside the live projection pipeline. Call Reset
// before the replay when rebuilding from scratch.
type ProjectionHandler struct {
	projection cqrs.Projection
	store      readmodel.Store
}

var _ Handler = (*ProjectionHandler)(nil)

func NewProjectionHandler(projection cqrs.Projection, store readmodel.Store) *ProjectionHandler {
	return &ProjectionHandler{
		projection: projection,
		store:      store,
	}
}

func (h *ProjectionHandler) Name() string {
	return h.projection.Name()
}

func (h *ProjectionHandler) EventTypes() []events.EventType {
	return h.projection.EventTypes()
}

func (h *ProjectionHandler) HandleEvent(ctx context.Context, event *events.Event) error {
	return h.projection.Apply(ctx, event, h.store)
}

func (h *ProjectionHandler) OnComplete(ctx context.Context) error {
	return nil
}

// Reset drops and reinitializes the projection's read models so a following
// replay rebuilds them from scratch.
func (h *ProjectionHandler) Reset(ctx context.Context) error {
	if err := h.projection.Reset(ctx, h.store); err != nil {
		return fmt.Errorf("resetting projection %q: %w", h.projection.Name(), err)
	}

	return h.projection.Initialize(ctx, h.store)
}
