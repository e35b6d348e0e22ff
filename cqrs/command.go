package cqrs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/events"
)

// Command is a request to change one aggregate. Commands are never persisted;
// only the events they produce are. CommandID doubles as the idempotency key
// when a caller retries after a timeout.
type Command interface {
	// Validate checks the command's own invariants before dispatch.
	Validate() error

	// CommandName returns the stable name the handler registry is keyed by.
	CommandName() string

	CommandID() uuid.UUID

	// CorrelationID links the command to the logical operation it belongs
	// to, nil when it starts one.
	CorrelationID() *uuid.UUID
}

// CommandHandler executes one command. Business failures are returned as
// errors and converted into failed results by the bus; only
// infrastructure-class errors propagate to the caller.
type CommandHandler interface {
	Handle(ctx context.Context, cmd Command) (*CommandResult, error)
}

// CommandHandlerFunc adapts a plain function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (*CommandResult, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (*CommandResult, error) {
	return f(ctx, cmd)
}

// NewCommandHandler adapts a handler of one concrete command type to the
// CommandHandler interface. Dispatching a command of a different type fails
// with *HandlerCastError instead of panicking.
func NewCommandHandler[C Command](fn func(ctx context.Context, cmd C) (*CommandResult, error)) CommandHandler {
	return CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
		typed, ok := cmd.(C)
		if !ok {
			var want C
			return nil, &HandlerCastError{
				Name: cmd.CommandName(),
				Want: fmt.Sprintf("%T", want),
				Got:  fmt.Sprintf("%T", cmd),
			}
		}

		return fn(ctx, typed)
	})
}

// CommandResult is the outcome of executing one command. Success false means
// the business rule rejected the command; the events, if any, were not
// appended.
type CommandResult struct {
	CommandID       uuid.UUID  `json:"command_id"`
	AggregateID     *uuid.UUID `json:"aggregate_id,omitempty"`
	Version         *int64     `json:"version,omitempty"`
	Success         bool       `json:"success"`
	Message         string     `json:"message,omitempty"`
	ExecutedAt      time.Time  `json:"executed_at"`
	ExecutionTimeMS int64      `json:"execution_time_ms"`
}

// SuccessResult reports a command that advanced the aggregate to version.
// ExecutedAt and ExecutionTimeMS are stamped by the bus.
func SuccessResult(commandID, aggregateID uuid.UUID, version int64) *CommandResult {
	return &CommandResult{
		CommandID:   commandID,
		AggregateID: &aggregateID,
		Version:     &version,
		Success:     true,
	}
}

// FailureResult reports a command a business rule rejected.
func FailureResult(commandID uuid.UUID, message string) *CommandResult {
	return &CommandResult{
		CommandID: commandID,
		Success:   false,
		Message:   message,
	}
}

// CommandBase carries the identity shared by every command. Embed it and
// implement CommandName plus, where the command has invariants of its own,
// Validate.
type CommandBase struct {
	ID          uuid.UUID  `json:"command_id"`
	Correlation *uuid.UUID `json:"correlation_id,omitempty"`
}

func NewCommandBase(opts ...CommandOption) CommandBase {
	b := CommandBase{ID: uuid.New()}

	for _, opt := range opts {
		opt(&b)
	}

	return b
}

func (b CommandBase) CommandID() uuid.UUID {
	return b.ID
}

func (b CommandBase) CorrelationID() *uuid.UUID {
	return b.Correlation
}

// Validate accepts the command. Commands with invariants shadow this.
func (b CommandBase) Validate() error {
	return nil
}

type CommandOption func(*CommandBase)

// WithCorrelation ties the command into an existing logical operation.
func WithCorrelation(correlationID uuid.UUID) CommandOption {
	return func(b *CommandBase) {
		b.Correlation = &correlationID
	}
}

// Built-in workflow command names, used as registry keys.
const (
	CommandNameCreateResearchWorkflow = "CreateResearchWorkflow"
	CommandNameStartWorkflowExecution = "StartWorkflowExecution"
	CommandNameCreateTask             = "CreateTask"
	CommandNameCompleteTask           = "CompleteTask"
	CommandNameCompleteWorkflow       = "CompleteWorkflow"
	CommandNameFailWorkflow           = "FailWorkflow"
	CommandNameUpdateWorkflow         = "UpdateWorkflow"
)

// CreateResearchWorkflowCommand starts a new workflow stream.
type CreateResearchWorkflowCommand struct {
	CommandBase

	WorkflowID  uuid.UUID                  `json:"workflow_id"`
	Name        string                     `json:"name"`
	Query       string                     `json:"query"`
	Methodology events.ResearchMethodology `json:"methodology"`
}

func NewCreateResearchWorkflowCommand(workflowID uuid.UUID, name, query string, methodology events.ResearchMethodology, opts ...CommandOption) *CreateResearchWorkflowCommand {
	return &CreateResearchWorkflowCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
		Name:        name,
		Query:       query,
		Methodology: methodology,
	}
}

func (c *CreateResearchWorkflowCommand) CommandName() string {
	return CommandNameCreateResearchWorkflow
}

func (c *CreateResearchWorkflowCommand) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("workflow name cannot be empty")
	}

	if strings.TrimSpace(c.Query) == "" {
		return fmt.Errorf("research query cannot be empty")
	}

	if strings.TrimSpace(c.Methodology.Name) == "" {
		return fmt.Errorf("methodology name cannot be empty")
	}

	return nil
}

// StartWorkflowExecutionCommand moves a created workflow to running.
type StartWorkflowExecutionCommand struct {
	CommandBase

	WorkflowID uuid.UUID `json:"workflow_id"`
}

func NewStartWorkflowExecutionCommand(workflowID uuid.UUID, opts ...CommandOption) *StartWorkflowExecutionCommand {
	return &StartWorkflowExecutionCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
	}
}

func (c *StartWorkflowExecutionCommand) CommandName() string {
	return CommandNameStartWorkflowExecution
}

// CreateTaskCommand adds a task to a running workflow.
type CreateTaskCommand struct {
	CommandBase

	WorkflowID uuid.UUID `json:"workflow_id"`
	TaskID     uuid.UUID `json:"task_id"`
	TaskType   string    `json:"task_type"`
	AgentType  string    `json:"agent_type,omitempty"`
}

func NewCreateTaskCommand(workflowID, taskID uuid.UUID, taskType, agentType string, opts ...CommandOption) *CreateTaskCommand {
	return &CreateTaskCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
		TaskID:      taskID,
		TaskType:    taskType,
		AgentType:   agentType,
	}
}

func (c *CreateTaskCommand) CommandName() string {
	return CommandNameCreateTask
}

func (c *CreateTaskCommand) Validate() error {
	if strings.TrimSpace(c.TaskType) == "" {
		return fmt.Errorf("task type cannot be empty")
	}

	return nil
}

// CompleteTaskCommand records a task's results.
type CompleteTaskCommand struct {
	CommandBase

	WorkflowID uuid.UUID       `json:"workflow_id"`
	TaskID     uuid.UUID       `json:"task_id"`
	Results    json.RawMessage `json:"results,omitempty"`
}

func NewCompleteTaskCommand(workflowID, taskID uuid.UUID, results json.RawMessage, opts ...CommandOption) *CompleteTaskCommand {
	return &CompleteTaskCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
		TaskID:      taskID,
		Results:     results,
	}
}

func (c *CompleteTaskCommand) CommandName() string {
	return CommandNameCompleteTask
}

// CompleteWorkflowCommand finishes a running workflow with its results.
type CompleteWorkflowCommand struct {
	CommandBase

	WorkflowID uuid.UUID              `json:"workflow_id"`
	Results    events.ResearchResults `json:"results"`
}

func NewCompleteWorkflowCommand(workflowID uuid.UUID, results events.ResearchResults, opts ...CommandOption) *CompleteWorkflowCommand {
	return &CompleteWorkflowCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
		Results:     results,
	}
}

func (c *CompleteWorkflowCommand) CommandName() string {
	return CommandNameCompleteWorkflow
}

// FailWorkflowCommand marks a workflow failed with the reason.
type FailWorkflowCommand struct {
	CommandBase

	WorkflowID   uuid.UUID `json:"workflow_id"`
	ErrorMessage string    `json:"error_message"`
}

func NewFailWorkflowCommand(workflowID uuid.UUID, errorMessage string, opts ...CommandOption) *FailWorkflowCommand {
	return &FailWorkflowCommand{
		CommandBase:  NewCommandBase(opts...),
		WorkflowID:   workflowID,
		ErrorMessage: errorMessage,
	}
}

func (c *FailWorkflowCommand) CommandName() string {
	return CommandNameFailWorkflow
}

func (c *FailWorkflowCommand) Validate() error {
	if strings.TrimSpace(c.ErrorMessage) == "" {
		return fmt.Errorf("error message cannot be empty")
	}

	return nil
}

// UpdateWorkflowCommand applies a partial update to workflow fields.
type UpdateWorkflowCommand struct {
	CommandBase

	WorkflowID uuid.UUID       `json:"workflow_id"`
	Updates    json.RawMessage `json:"updates"`
}

func NewUpdateWorkflowCommand(workflowID uuid.UUID, updates json.RawMessage, opts ...CommandOption) *UpdateWorkflowCommand {
	return &UpdateWorkflowCommand{
		CommandBase: NewCommandBase(opts...),
		WorkflowID:  workflowID,
		Updates:     updates,
	}
}

func (c *UpdateWorkflowCommand) CommandName() string {
	return CommandNameUpdateWorkflow
}

func (c *UpdateWorkflowCommand) Validate() error {
	if len(c.Updates) == 0 {
		return fmt.Errorf("updates cannot be empty")
	}

	return nil
}
