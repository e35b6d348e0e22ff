package cqrs

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/eventstore"
)

func successHandler(t *testing.T) CommandHandler {
	t.Helper()

	return CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
		return SuccessResult(cmd.CommandID(), uuid.New(), 1), nil
	})
}

func TestCommandBusRegisterHandler(t *testing.T) {
	bus := NewCommandBus(nil)
	assert.Equal(t, 0, bus.HandlerCount())

	bus.RegisterHandler(CommandNameCreateResearchWorkflow, successHandler(t))
	bus.RegisterHandler(CommandNameStartWorkflowExecution, successHandler(t))
	assert.Equal(t, 2, bus.HandlerCount())

	// Re-registering replaces, not duplicates.
	bus.RegisterHandler(CommandNameCreateResearchWorkflow, successHandler(t))
	assert.Equal(t, 2, bus.HandlerCount())
}

func TestCommandBusExecute(t *testing.T) {
	workflowID := uuid.New()

	t.Run("routes to the registered handler", func(t *testing.T) {
		bus := NewCommandBus(nil)

		var handled Command
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			handled = cmd
			return SuccessResult(cmd.CommandID(), workflowID, 2), nil
		}))

		cmd := NewStartWorkflowExecutionCommand(workflowID)
		result, err := bus.Execute(context.Background(), cmd)
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, cmd.CommandID(), result.CommandID)
		assert.Equal(t, cmd, handled)
		assert.False(t, result.ExecutedAt.IsZero())
	})

	t.Run("rejects invalid commands before dispatch", func(t *testing.T) {
		bus := NewCommandBus(nil)

		dispatched := false
		bus.RegisterHandler(CommandNameFailWorkflow, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			dispatched = true
			return SuccessResult(cmd.CommandID(), workflowID, 1), nil
		}))

		_, err := bus.Execute(context.Background(), NewFailWorkflowCommand(workflowID, ""))

		var validationErr *CommandValidationError
		require.ErrorAs(t, err, &validationErr)
		assert.Equal(t, CommandNameFailWorkflow, validationErr.CommandName)
		assert.False(t, dispatched)
	})

	t.Run("validation can be disabled", func(t *testing.T) {
		bus := NewCommandBus(ApplyOptions(WithCommandValidation(false)))
		bus.RegisterHandler(CommandNameFailWorkflow, successHandler(t))

		result, err := bus.Execute(context.Background(), NewFailWorkflowCommand(workflowID, ""))
		require.NoError(t, err)
		assert.True(t, result.Success)
	})

	t.Run("unknown command", func(t *testing.T) {
		bus := NewCommandBus(nil)

		_, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))

		var notFound *HandlerNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "command", notFound.Kind)
		assert.Equal(t, CommandNameStartWorkflowExecution, notFound.Name)
	})

	t.Run("business error becomes a failed result", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameCompleteWorkflow, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			return nil, errors.New("workflow already completed")
		}))

		cmd := NewCompleteWorkflowCommand(workflowID, testResults())
		result, err := bus.Execute(context.Background(), cmd)
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, cmd.CommandID(), result.CommandID)
		assert.Equal(t, "workflow already completed", result.Message)
	})

	t.Run("concurrency conflict becomes a failed result", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			return nil, &eventstore.ConcurrencyError{StreamID: workflowID, Expected: 3, Actual: 5}
		}))

		result, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "concurrency conflict")
	})

	t.Run("storage errors propagate", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			return nil, fmt.Errorf("saving workflow: %w", &eventstore.StorageError{Op: "append", Err: errors.New("disk full")})
		}))

		_, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))

		var storageErr *eventstore.StorageError
		require.ErrorAs(t, err, &storageErr)
	})

	t.Run("handler type mismatch propagates", func(t *testing.T) {
		bus := NewCommandBus(nil)

		// Handler built for one command type, registered under another name.
		handler := NewCommandHandler(func(ctx context.Context, cmd *CreateTaskCommand) (*CommandResult, error) {
			return SuccessResult(cmd.CommandID(), cmd.WorkflowID, 1), nil
		})
		bus.RegisterHandler(CommandNameStartWorkflowExecution, handler)

		_, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))

		var castErr *HandlerCastError
		require.ErrorAs(t, err, &castErr)
		assert.Contains(t, castErr.Want, "CreateTaskCommand")
		assert.Contains(t, castErr.Got, "StartWorkflowExecutionCommand")
	})

	t.Run("panicking handler becomes a failed result", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			panic("handler exploded")
		}))

		result, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "handler exploded")
	})

	t.Run("nil result without error is rejected", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			return nil, nil
		}))

		result, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "no result")
	})
}

func TestCommandBusCorrelationContext(t *testing.T) {
	workflowID := uuid.New()

	// captureIDs returns a handler that records the correlation chain it runs
	// under.
	captureIDs := func(correlationID, causationID *uuid.UUID) CommandHandler {
		return CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			if id, ok := correlation.CorrelationID(ctx); ok {
				*correlationID = id
			}
			if id, ok := correlation.CausationID(ctx); ok {
				*causationID = id
			}

			return SuccessResult(cmd.CommandID(), workflowID, 1), nil
		})
	}

	t.Run("an explicit command correlation id wins", func(t *testing.T) {
		bus := NewCommandBus(nil)

		var gotCorrelation, gotCausation uuid.UUID
		bus.RegisterHandler(CommandNameStartWorkflowExecution, captureIDs(&gotCorrelation, &gotCausation))

		want := uuid.New()
		ctx := correlation.WithCorrelationID(context.Background(), uuid.New())
		cmd := NewStartWorkflowExecutionCommand(workflowID, WithCorrelation(want))

		_, err := bus.Execute(ctx, cmd)
		require.NoError(t, err)

		assert.Equal(t, want, gotCorrelation)
		assert.Equal(t, cmd.CommandID(), gotCausation)
	})

	t.Run("a context correlation id is inherited", func(t *testing.T) {
		bus := NewCommandBus(nil)

		var gotCorrelation, gotCausation uuid.UUID
		bus.RegisterHandler(CommandNameStartWorkflowExecution, captureIDs(&gotCorrelation, &gotCausation))

		want := uuid.New()
		cmd := NewStartWorkflowExecutionCommand(workflowID)

		_, err := bus.Execute(correlation.WithCorrelationID(context.Background(), want), cmd)
		require.NoError(t, err)

		assert.Equal(t, want, gotCorrelation)
		assert.Equal(t, cmd.CommandID(), gotCausation)
	})

	t.Run("an uncorrelated command starts the chain at its own id", func(t *testing.T) {
		bus := NewCommandBus(nil)

		var gotCorrelation, gotCausation uuid.UUID
		bus.RegisterHandler(CommandNameStartWorkflowExecution, captureIDs(&gotCorrelation, &gotCausation))

		cmd := NewStartWorkflowExecutionCommand(workflowID)

		_, err := bus.Execute(context.Background(), cmd)
		require.NoError(t, err)

		assert.Equal(t, cmd.CommandID(), gotCorrelation)
		assert.Equal(t, cmd.CommandID(), gotCausation)
	})
}

func TestCommandBusTimeout(t *testing.T) {
	workflowID := uuid.New()

	t.Run("returns a timeout error", func(t *testing.T) {
		bus := NewCommandBus(ApplyOptions(WithCommandTimeout(20 * time.Millisecond)))

		release := make(chan struct{})
		defer close(release)

		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			<-release
			return nil, ctx.Err()
		}))

		_, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))

		var timeoutErr *CommandTimeoutError
		require.ErrorAs(t, err, &timeoutErr)
		assert.Equal(t, CommandNameStartWorkflowExecution, timeoutErr.CommandName)

		// Timeouts slot into the store's error taxonomy as retryable.
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, eventstore.CategoryTimeout, eventstore.CategoryOf(err))
		assert.True(t, eventstore.IsRetryable(err))
	})

	t.Run("a stuck handler does not block later commands", func(t *testing.T) {
		bus := NewCommandBus(ApplyOptions(WithCommandTimeout(20 * time.Millisecond)))

		release := make(chan struct{})
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			<-release
			return SuccessResult(cmd.CommandID(), workflowID, 1), nil
		}))
		bus.RegisterHandler(CommandNameFailWorkflow, successHandler(t))

		_, err := bus.Execute(context.Background(), NewStartWorkflowExecutionCommand(workflowID))
		var timeoutErr *CommandTimeoutError
		require.ErrorAs(t, err, &timeoutErr)

		result, err := bus.Execute(context.Background(), NewFailWorkflowCommand(workflowID, "unrelated"))
		require.NoError(t, err)
		assert.True(t, result.Success)

		// Unblock the stuck handler; its send lands in the buffered channel.
		close(release)
	})

	t.Run("cancelled caller context", func(t *testing.T) {
		bus := NewCommandBus(nil)
		bus.RegisterHandler(CommandNameStartWorkflowExecution, CommandHandlerFunc(func(ctx context.Context, cmd Command) (*CommandResult, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := bus.Execute(ctx, NewStartWorkflowExecutionCommand(workflowID))
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		var timeoutErr *CommandTimeoutError
		assert.False(t, errors.As(err, &timeoutErr))
	})
}
