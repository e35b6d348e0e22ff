package cqrs

import (
	"context"
	"fmt"
	"time"
)

// HandlerNotFoundError indicates a command or query was dispatched before a
// handler was registered for its name. A registration bug, fail fast.
type HandlerNotFoundError struct {
	// Kind is "command" or "query".
	Kind string
	Name string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("no %s handler registered for %q", e.Kind, e.Name)
}

// HandlerCastError indicates a handler was registered under a name whose
// messages have a different concrete type. A registration bug, fail fast.
type HandlerCastError struct {
	Name string
	Want string
	Got  string
}

func (e *HandlerCastError) Error() string {
	return fmt.Sprintf("handler for %q expects %v, got %v", e.Name, e.Want, e.Got)
}

// CommandValidationError rejects a command before dispatch. Never reaches a
// handler.
type CommandValidationError struct {
	CommandName string
	Err         error
}

func (e *CommandValidationError) Error() string {
	return fmt.Sprintf("command %q failed validation: %v", e.CommandName, e.Err)
}

func (e *CommandValidationError) Unwrap() error {
	return e.Err
}

// QueryValidationError rejects a query before dispatch.
type QueryValidationError struct {
	QueryName string
	Err       error
}

func (e *QueryValidationError) Error() string {
	return fmt.Sprintf("query %q failed validation: %v", e.QueryName, e.Err)
}

func (e *QueryValidationError) Unwrap() error {
	return e.Err
}

// CommandTimeoutError means the bus stopped waiting, not that the handler
// stopped running. The underlying outcome is unknown; callers retry
// idempotently keyed on the command id.
type CommandTimeoutError struct {
	CommandName string
	Timeout     time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %v", e.CommandName, e.Timeout)
}

func (e *CommandTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// QueryTimeoutError means the bus stopped waiting for a query handler.
type QueryTimeoutError struct {
	QueryName string
	Timeout   time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %q timed out after %v", e.QueryName, e.Timeout)
}

func (e *QueryTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}
