package events

import "fmt"

// ValidationError indicates an event violated its business invariants. The
// event is rejected before anything is written.
type ValidationError struct {
	EventType EventType
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %v event: %v", e.EventType, e.Reason)
}

// SchemaError indicates serialized event data did not match the structural
// schema registered for its type.
type SchemaError struct {
	EventType EventType
	Reason    string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema violation for %v: %v", e.EventType, e.Reason)
}

// UnknownEventTypeError indicates no handler is registered for an event type.
// Deserialization fails closed instead of guessing a payload shape.
type UnknownEventTypeError struct {
	EventType EventType
}

func (e *UnknownEventTypeError) Error() string {
	return fmt.Sprintf("unknown event type %q when deserializing attributes", e.EventType)
}
