package cqrs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/metrics"
)

// CommandBus routes commands to their registered handlers. Handlers run
// under the configured timeout; business failures come back as failed
// results, infrastructure failures as errors.
type CommandBus struct {
	options *Options
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]CommandHandler

	executed        atomic.Int64
	failed          atomic.Int64
	totalDurationMS atomic.Int64
}

func NewCommandBus(options *Options) *CommandBus {
	if options == nil {
		options = ApplyOptions()
	}

	return &CommandBus{
		options:  options,
		logger:   options.Logger,
		handlers: map[string]CommandHandler{},
	}
}

// RegisterHandler binds the handler to the command name. One handler per
// name; registering again replaces the previous one.
func (b *CommandBus) RegisterHandler(commandName string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[commandName] = handler

	b.logger.Debug("registered command handler", log.CommandNameKey, commandName)
}

// HandlerCount returns the number of registered command handlers.
func (b *CommandBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers)
}

// Execute validates the command, dispatches it to its handler, and waits at
// most Options.CommandTimeout for the outcome. After a timeout the handler
// may still be running; retries must reuse the command id.
func (b *CommandBus) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	name := cmd.CommandName()
	start := b.options.Clock.Now()

	if b.options.EnableCommandValidation {
		if err := cmd.Validate(); err != nil {
			b.recordFailure(name, start)
			return nil, &CommandValidationError{CommandName: name, Err: err}
		}
	}

	b.mu.RLock()
	handler, ok := b.handlers[name]
	b.mu.RUnlock()

	if !ok {
		b.recordFailure(name, start)
		return nil, &HandlerNotFoundError{Kind: "command", Name: name}
	}

	b.logger.Debug("executing command",
		log.CommandNameKey, name,
		log.CommandIDKey, cmd.CommandID(),
	)

	result, err := b.dispatch(ctx, cmd, handler)
	if err != nil {
		if infrastructureError(err) {
			b.recordFailure(name, start)
			return nil, err
		}

		// Business rejection: the failure is data, not an exception.
		result = FailureResult(cmd.CommandID(), err.Error())
	}

	elapsed := b.options.Clock.Since(start)
	result.ExecutedAt = b.options.Clock.Now().UTC()
	result.ExecutionTimeMS = elapsed.Milliseconds()

	b.executed.Add(1)
	b.totalDurationMS.Add(result.ExecutionTimeMS)
	b.options.Metrics.Counter(metrickeys.CommandsExecuted, metrics.Tags{metrickeys.Command: name}, 1)
	b.options.Metrics.Timing(metrickeys.CommandDuration, metrics.Tags{metrickeys.Command: name}, elapsed)

	if !result.Success {
		b.failed.Add(1)
		b.options.Metrics.Counter(metrickeys.CommandsFailed, metrics.Tags{metrickeys.Command: name}, 1)

		b.logger.Debug("command rejected",
			log.CommandNameKey, name,
			log.CommandIDKey, cmd.CommandID(),
			"message", result.Message,
		)
	}

	return result, nil
}

type dispatchOutcome struct {
	result *CommandResult
	err    error
}

func (b *CommandBus) dispatch(ctx context.Context, cmd Command, handler CommandHandler) (*CommandResult, error) {
	timeout := b.options.CommandTimeout

	execCtx, cancel := b.options.Clock.WithTimeout(commandContext(ctx, cmd), timeout)
	defer cancel()

	// Buffered so a handler finishing after the timeout does not leak a
	// goroutine blocked on send.
	outcome := make(chan dispatchOutcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("command handler panic",
					log.CommandNameKey, cmd.CommandName(),
					log.CommandIDKey, cmd.CommandID(),
					"panic", fmt.Sprintf("%v", r),
					"stack", string(goerrors.New(r).Stack()),
				)

				outcome <- dispatchOutcome{err: fmt.Errorf("panic in command handler: %v", r)}
			}
		}()

		result, err := handler.Handle(execCtx, cmd)
		outcome <- dispatchOutcome{result: result, err: err}
	}()

	select {
	case o := <-outcome:
		if o.err != nil {
			return nil, o.err
		}

		if o.result == nil {
			return nil, fmt.Errorf("command handler for %q returned no result", cmd.CommandName())
		}

		return o.result, nil

	case <-execCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("executing command %q: %w", cmd.CommandName(), err)
		}

		return nil, &CommandTimeoutError{CommandName: cmd.CommandName(), Timeout: timeout}
	}
}

// commandContext carries the command's correlation chain to its handler. An
// explicit command correlation id wins over one already on the context; a
// command with neither starts the chain at its own id.
func commandContext(ctx context.Context, cmd Command) context.Context {
	if c := cmd.CorrelationID(); c != nil {
		ctx = correlation.WithCorrelationID(ctx, *c)
	} else if _, ok := correlation.CorrelationID(ctx); !ok {
		ctx = correlation.WithCorrelationID(ctx, cmd.CommandID())
	}

	return correlation.WithCausationID(ctx, cmd.CommandID())
}

func (b *CommandBus) recordFailure(name string, start time.Time) {
	b.executed.Add(1)
	b.failed.Add(1)
	b.totalDurationMS.Add(b.options.Clock.Since(start).Milliseconds())
	b.options.Metrics.Counter(metrickeys.CommandsExecuted, metrics.Tags{metrickeys.Command: name}, 1)
	b.options.Metrics.Counter(metrickeys.CommandsFailed, metrics.Tags{metrickeys.Command: name}, 1)
}

// infrastructureError reports whether a handler error must propagate to the
// caller instead of becoming a failed result.
func infrastructureError(err error) bool {
	var castErr *HandlerCastError
	var storageErr *eventstore.StorageError
	var configErr *eventstore.ConfigurationError

	switch {
	case errors.As(err, &castErr):
		return true
	case errors.As(err, &storageErr):
		return true
	case errors.As(err, &configErr):
		return true
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return true
	default:
		return false
	}
}
