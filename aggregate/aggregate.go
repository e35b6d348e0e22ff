// Package aggregate implements the event-sourced write model: aggregate
// roots rebuilt from their event stream and mutated through guarded
// operations that queue new domain events.
package aggregate

import (
	"fmt"

	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
)

// Root is an event-sourced aggregate. It extends the snapshot contract with
// uncommitted-event bookkeeping and whole-state validation.
type Root interface {
	eventstore.Aggregate

	// UncommittedEvents returns the events queued by operations since the
	// last call to MarkEventsCommitted, in emit order.
	UncommittedEvents() []*events.Event

	// MarkEventsCommitted clears the uncommitted queue. Called after the
	// events were appended to the store.
	MarkEventsCommitted()

	// Validate checks the aggregate's state invariants.
	Validate() error
}

// InvalidOperationError is returned when an operation is not allowed in the
// aggregate's current state. The operation has no effect.
type InvalidOperationError struct {
	Operation string
	Reason    string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("cannot %v: %v", e.Operation, e.Reason)
}
