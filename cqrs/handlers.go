package cqrs

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/aggregate"
	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/events"
	"github.com/freedeepresearch/eventcore/eventstore"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/readmodel"
)

// WorkflowCommandHandler executes the built-in workflow commands against the
// event store: load the aggregate, apply the rule, append the new events with
// the version the aggregate was loaded at.
type WorkflowCommandHandler struct {
	store       eventstore.Store
	snapshotter *eventstore.Snapshotter
	logger      *slog.Logger
}

// NewWorkflowCommandHandler returns a handler backed by the store. A nil
// snapshotter is allowed; aggregates are then rebuilt by full replay and no
// snapshots are written.
func NewWorkflowCommandHandler(store eventstore.Store, snapshotter *eventstore.Snapshotter) *WorkflowCommandHandler {
	return &WorkflowCommandHandler{
		store:       store,
		snapshotter: snapshotter,
		logger:      store.Options().Logger,
	}
}

// RegisterWorkflowHandlers binds every built-in workflow command to its
// handler method.
func RegisterWorkflowHandlers(bus *CommandBus, handler *WorkflowCommandHandler) {
	bus.RegisterHandler(CommandNameCreateResearchWorkflow, NewCommandHandler(handler.HandleCreateWorkflow))
	bus.RegisterHandler(CommandNameStartWorkflowExecution, NewCommandHandler(handler.HandleStartExecution))
	bus.RegisterHandler(CommandNameCreateTask, NewCommandHandler(handler.HandleCreateTask))
	bus.RegisterHandler(CommandNameCompleteTask, NewCommandHandler(handler.HandleCompleteTask))
	bus.RegisterHandler(CommandNameCompleteWorkflow, NewCommandHandler(handler.HandleCompleteWorkflow))
	bus.RegisterHandler(CommandNameFailWorkflow, NewCommandHandler(handler.HandleFailWorkflow))
	bus.RegisterHandler(CommandNameUpdateWorkflow, NewCommandHandler(handler.HandleUpdateWorkflow))
}

func (h *WorkflowCommandHandler) HandleCreateWorkflow(ctx context.Context, cmd *CreateResearchWorkflowCommand) (*CommandResult, error) {
	workflow, err := aggregate.CreateWorkflow(cmd.WorkflowID, cmd.Name, cmd.Query, cmd.Methodology, commandEventOptions(ctx, cmd)...)
	if err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleStartExecution(ctx context.Context, cmd *StartWorkflowExecutionCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.Start(commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleCreateTask(ctx context.Context, cmd *CreateTaskCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.CreateTask(cmd.TaskID, cmd.TaskType, cmd.AgentType, commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleCompleteTask(ctx context.Context, cmd *CompleteTaskCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.CompleteTask(cmd.TaskID, cmd.Results, commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleCompleteWorkflow(ctx context.Context, cmd *CompleteWorkflowCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.Complete(cmd.Results, commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleFailWorkflow(ctx context.Context, cmd *FailWorkflowCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.Fail(cmd.ErrorMessage, commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) HandleUpdateWorkflow(ctx context.Context, cmd *UpdateWorkflowCommand) (*CommandResult, error) {
	workflow, err := h.load(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, err
	}

	if err := workflow.Update(cmd.Updates, commandEventOptions(ctx, cmd)...); err != nil {
		return nil, err
	}

	return h.save(ctx, cmd, workflow)
}

func (h *WorkflowCommandHandler) load(ctx context.Context, workflowID uuid.UUID) (*aggregate.ResearchWorkflow, error) {
	workflow := aggregate.NewResearchWorkflow(workflowID)

	if h.snapshotter != nil {
		if err := h.snapshotter.LoadAggregate(ctx, h.store, workflow); err != nil {
			return nil, err
		}

		return workflow, nil
	}

	if err := eventstore.ReplayEvents(ctx, h.store, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

// save appends the aggregate's uncommitted events with the version it was
// loaded at as the expected version, so a concurrent writer surfaces as a
// ConcurrencyError instead of a lost update.
func (h *WorkflowCommandHandler) save(ctx context.Context, cmd Command, workflow *aggregate.ResearchWorkflow) (*CommandResult, error) {
	uncommitted := workflow.UncommittedEvents()
	if len(uncommitted) == 0 {
		return SuccessResult(cmd.CommandID(), workflow.ID(), workflow.Version()), nil
	}

	expected := workflow.Version() - int64(len(uncommitted))

	version, err := h.store.AppendEvents(ctx, workflow.ID(), &expected, uncommitted)
	if err != nil {
		return nil, err
	}

	workflow.MarkEventsCommitted()

	if h.snapshotter != nil && h.store.Options().ShouldCreateSnapshot(version) {
		// Snapshots are an optimization; a failure must not fail the command.
		if _, err := h.snapshotter.CreateSnapshot(ctx, workflow); err != nil {
			h.logger.ErrorContext(ctx, "creating snapshot failed",
				log.StreamIDKey, workflow.ID(),
				log.StreamVersionKey, version,
				"error", err)
		}
	}

	return SuccessResult(cmd.CommandID(), workflow.ID(), version), nil
}

// commandEventOptions stamps causation and correlation onto the events a
// command produces. The command id is the causation id; the correlation id is
// inherited from the command, then from the context, and starts at the
// command id when neither carries one.
func commandEventOptions(ctx context.Context, cmd Command) []events.EventOption {
	correlationID := cmd.CommandID()
	if c := cmd.CorrelationID(); c != nil {
		correlationID = *c
	} else if id, ok := correlation.CorrelationID(ctx); ok {
		correlationID = id
	}

	return []events.EventOption{
		events.WithCorrelationID(correlationID),
		events.WithCausationID(cmd.CommandID()),
	}
}

// WorkflowQueryHandler serves the built-in workflow queries from the
// read-model store.
type WorkflowQueryHandler struct {
	readModels readmodel.Store
}

func NewWorkflowQueryHandler(readModels readmodel.Store) *WorkflowQueryHandler {
	return &WorkflowQueryHandler{readModels: readModels}
}

// RegisterWorkflowQueryHandlers binds every built-in workflow query to its
// handler method.
func RegisterWorkflowQueryHandlers(bus *QueryBus, handler *WorkflowQueryHandler) {
	bus.RegisterHandler(QueryNameGetResearchWorkflow, NewQueryHandler(handler.HandleGetWorkflow))
	bus.RegisterHandler(QueryNameGetWorkflowList, NewQueryHandler(handler.HandleGetWorkflowList))
	bus.RegisterHandler(QueryNameGetWorkflowStats, NewQueryHandler(handler.HandleGetWorkflowStats))
	bus.RegisterHandler(QueryNameGetTasksByWorkflow, NewQueryHandler(handler.HandleGetTasksByWorkflow))
	bus.RegisterHandler(QueryNameSearchWorkflows, NewQueryHandler(handler.HandleSearchWorkflows))
}

// HandleGetWorkflow returns *readmodel.Workflow, or readmodel.ErrNotFound
// when no workflow with that id has been projected.
func (h *WorkflowQueryHandler) HandleGetWorkflow(ctx context.Context, query *GetResearchWorkflowQuery) (any, error) {
	workflow, err := h.readModels.GetWorkflow(ctx, query.WorkflowID)
	if err != nil {
		return nil, err
	}

	if !query.IncludeTasks {
		workflow.Tasks = nil
	}

	return workflow, nil
}

func (h *WorkflowQueryHandler) HandleGetWorkflowList(ctx context.Context, query *GetWorkflowListQuery) (any, error) {
	return h.readModels.GetWorkflowList(ctx, readmodel.ListOptions{
		Page:      query.Page,
		PageSize:  query.PageSize,
		Status:    query.StatusFilter,
		Search:    query.SearchQuery,
		SortBy:    query.SortBy,
		SortOrder: query.SortOrder,
	})
}

func (h *WorkflowQueryHandler) HandleGetWorkflowStats(ctx context.Context, query *GetWorkflowStatsQuery) (any, error) {
	return h.readModels.GetWorkflowStats(ctx)
}

func (h *WorkflowQueryHandler) HandleGetTasksByWorkflow(ctx context.Context, query *GetTasksByWorkflowQuery) (any, error) {
	return h.readModels.GetTasksByWorkflow(ctx, query.WorkflowID, query.StatusFilter)
}

func (h *WorkflowQueryHandler) HandleSearchWorkflows(ctx context.Context, query *SearchWorkflowsQuery) (any, error) {
	return h.readModels.SearchWorkflows(ctx, query.SearchTerm, query.Page, query.PageSize)
}
