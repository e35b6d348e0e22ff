package cqrs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/readmodel"
)

// Query is a read-only request against the read models. Queries never mutate
// the event store or the read models.
type Query interface {
	// Validate checks the query's own invariants before dispatch.
	Validate() error

	// QueryName returns the stable name the handler registry is keyed by.
	QueryName() string

	QueryID() uuid.UUID

	CorrelationID() *uuid.UUID

	// IsCacheable reports whether the result may be served from the query
	// cache.
	IsCacheable() bool

	// CacheKey identifies all queries that share a result. Two queries with
	// equal keys must have equal results while the read models are unchanged.
	CacheKey() string

	// CacheTTL returns how long a cached result stays fresh, 0 for the bus
	// default.
	CacheTTL() time.Duration
}

// QueryHandler executes one query and returns its result.
type QueryHandler interface {
	Handle(ctx context.Context, query Query) (any, error)
}

// QueryHandlerFunc adapts a plain function to QueryHandler.
type QueryHandlerFunc func(ctx context.Context, query Query) (any, error)

func (f QueryHandlerFunc) Handle(ctx context.Context, query Query) (any, error) {
	return f(ctx, query)
}

// NewQueryHandler adapts a handler of one concrete query type to the
// QueryHandler interface. Dispatching a query of a different type fails with
// *HandlerCastError instead of panicking.
func NewQueryHandler[Q Query](fn func(ctx context.Context, query Q) (any, error)) QueryHandler {
	return QueryHandlerFunc(func(ctx context.Context, query Query) (any, error) {
		typed, ok := query.(Q)
		if !ok {
			var want Q
			return nil, &HandlerCastError{
				Name: query.QueryName(),
				Want: fmt.Sprintf("%T", want),
				Got:  fmt.Sprintf("%T", query),
			}
		}

		return fn(ctx, typed)
	})
}

// QueryBase carries the identity shared by every query and the caching
// defaults. Embed it and implement QueryName and CacheKey; shadow Validate,
// IsCacheable, or CacheTTL where the query needs its own.
type QueryBase struct {
	ID          uuid.UUID  `json:"query_id"`
	Correlation *uuid.UUID `json:"correlation_id,omitempty"`
}

func NewQueryBase(opts ...QueryOption) QueryBase {
	b := QueryBase{ID: uuid.New()}

	for _, opt := range opts {
		opt(&b)
	}

	return b
}

func (b QueryBase) QueryID() uuid.UUID {
	return b.ID
}

func (b QueryBase) CorrelationID() *uuid.UUID {
	return b.Correlation
}

func (b QueryBase) Validate() error {
	return nil
}

func (b QueryBase) IsCacheable() bool {
	return true
}

// CacheTTL defers to the bus default.
func (b QueryBase) CacheTTL() time.Duration {
	return 0
}

type QueryOption func(*QueryBase)

// WithQueryCorrelation ties the query into an existing logical operation.
func WithQueryCorrelation(correlationID uuid.UUID) QueryOption {
	return func(b *QueryBase) {
		b.Correlation = &correlationID
	}
}

// Built-in workflow query names, used as registry keys.
const (
	QueryNameGetResearchWorkflow = "GetResearchWorkflow"
	QueryNameGetWorkflowList     = "GetWorkflowList"
	QueryNameGetWorkflowStats    = "GetWorkflowStats"
	QueryNameGetTasksByWorkflow  = "GetTasksByWorkflow"
	QueryNameSearchWorkflows     = "SearchWorkflows"
)

// GetResearchWorkflowQuery returns one workflow's detail read model. Result
// type: *readmodel.Workflow.
type GetResearchWorkflowQuery struct {
	QueryBase

	WorkflowID   uuid.UUID `json:"workflow_id"`
	IncludeTasks bool      `json:"include_tasks"`
}

func NewGetResearchWorkflowQuery(workflowID uuid.UUID, includeTasks bool, opts ...QueryOption) *GetResearchWorkflowQuery {
	return &GetResearchWorkflowQuery{
		QueryBase:    NewQueryBase(opts...),
		WorkflowID:   workflowID,
		IncludeTasks: includeTasks,
	}
}

func (q *GetResearchWorkflowQuery) QueryName() string {
	return QueryNameGetResearchWorkflow
}

func (q *GetResearchWorkflowQuery) CacheKey() string {
	return fmt.Sprintf("workflow:%v:tasks:%v", q.WorkflowID, q.IncludeTasks)
}

// GetWorkflowListQuery returns one page of workflow summaries. Result type:
// *readmodel.WorkflowList.
type GetWorkflowListQuery struct {
	QueryBase

	Page         int                      `json:"page"`
	PageSize     int                      `json:"page_size"`
	StatusFilter readmodel.WorkflowStatus `json:"status_filter,omitempty"`
	SearchQuery  string                   `json:"search_query,omitempty"`
	SortBy       string                   `json:"sort_by,omitempty"`
	SortOrder    string                   `json:"sort_order,omitempty"`
}

func NewGetWorkflowListQuery(page, pageSize int, opts ...QueryOption) *GetWorkflowListQuery {
	return &GetWorkflowListQuery{
		QueryBase: NewQueryBase(opts...),
		Page:      page,
		PageSize:  pageSize,
	}
}

func (q *GetWorkflowListQuery) QueryName() string {
	return QueryNameGetWorkflowList
}

func (q *GetWorkflowListQuery) Validate() error {
	if q.PageSize < 1 || q.PageSize > 1000 {
		return fmt.Errorf("page size must be between 1 and 1000")
	}

	return nil
}

func (q *GetWorkflowListQuery) CacheKey() string {
	status := string(q.StatusFilter)
	if status == "" {
		status = "all"
	}

	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}

	sortOrder := q.SortOrder
	if sortOrder == "" {
		sortOrder = "desc"
	}

	return fmt.Sprintf("workflow_list:%d:%d:%s:%s:%s:%s",
		q.Page, q.PageSize, status, q.SearchQuery, sortBy, sortOrder)
}

func (q *GetWorkflowListQuery) CacheTTL() time.Duration {
	return 60 * time.Second
}

// GetWorkflowStatsQuery returns aggregate statistics across all workflows.
// Result type: *readmodel.WorkflowStats.
type GetWorkflowStatsQuery struct {
	QueryBase
}

func NewGetWorkflowStatsQuery(opts ...QueryOption) *GetWorkflowStatsQuery {
	return &GetWorkflowStatsQuery{QueryBase: NewQueryBase(opts...)}
}

func (q *GetWorkflowStatsQuery) QueryName() string {
	return QueryNameGetWorkflowStats
}

func (q *GetWorkflowStatsQuery) CacheKey() string {
	return "workflow_stats"
}

func (q *GetWorkflowStatsQuery) CacheTTL() time.Duration {
	return 600 * time.Second
}

// GetTasksByWorkflowQuery returns a workflow's tasks, optionally filtered by
// status. Result type: []readmodel.Task.
type GetTasksByWorkflowQuery struct {
	QueryBase

	WorkflowID   uuid.UUID            `json:"workflow_id"`
	StatusFilter readmodel.TaskStatus `json:"status_filter,omitempty"`
}

func NewGetTasksByWorkflowQuery(workflowID uuid.UUID, statusFilter readmodel.TaskStatus, opts ...QueryOption) *GetTasksByWorkflowQuery {
	return &GetTasksByWorkflowQuery{
		QueryBase:    NewQueryBase(opts...),
		WorkflowID:   workflowID,
		StatusFilter: statusFilter,
	}
}

func (q *GetTasksByWorkflowQuery) QueryName() string {
	return QueryNameGetTasksByWorkflow
}

func (q *GetTasksByWorkflowQuery) CacheKey() string {
	status := string(q.StatusFilter)
	if status == "" {
		status = "all"
	}

	return fmt.Sprintf("tasks:workflow:%v:status:%s", q.WorkflowID, status)
}

// SearchWorkflowsQuery searches workflow names and queries. Result type:
// *readmodel.WorkflowList.
type SearchWorkflowsQuery struct {
	QueryBase

	SearchTerm string `json:"search_term"`
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
}

func NewSearchWorkflowsQuery(searchTerm string, page, pageSize int, opts ...QueryOption) *SearchWorkflowsQuery {
	return &SearchWorkflowsQuery{
		QueryBase:  NewQueryBase(opts...),
		SearchTerm: searchTerm,
		Page:       page,
		PageSize:   pageSize,
	}
}

func (q *SearchWorkflowsQuery) QueryName() string {
	return QueryNameSearchWorkflows
}

func (q *SearchWorkflowsQuery) Validate() error {
	if strings.TrimSpace(q.SearchTerm) == "" {
		return fmt.Errorf("search term cannot be empty")
	}

	if q.PageSize < 1 || q.PageSize > 1000 {
		return fmt.Errorf("page size must be between 1 and 1000")
	}

	return nil
}

func (q *SearchWorkflowsQuery) CacheKey() string {
	return fmt.Sprintf("search:%s:%d:%d", q.SearchTerm, q.Page, q.PageSize)
}

func (q *SearchWorkflowsQuery) CacheTTL() time.Duration {
	return 120 * time.Second
}
