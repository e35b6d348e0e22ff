// Package readmodel defines the query side of the system: denormalized
// workflow and task models maintained by projections and served to queries.
// Read models are disposable; they can always be rebuilt from the event log.
package readmodel

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no read model exists for the requested id.
var ErrNotFound = errors.New("read model not found")

type WorkflowStatus string

const (
	WorkflowStatusCreated   WorkflowStatus = "created"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
)

type TaskStatus string

const (
	TaskStatusCreated   TaskStatus = "created"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Workflow is the denormalized view of one research workflow. Tasks are kept
// inline; Metrics are derived from them at read time.
type Workflow struct {
	ID           uuid.UUID       `json:"id"`
	Name         string          `json:"name"`
	Query        string          `json:"query"`
	Methodology  json.RawMessage `json:"methodology,omitempty"`
	Status       WorkflowStatus  `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
	Results      json.RawMessage `json:"results,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Tasks        []Task          `json:"tasks"`
	Metrics      WorkflowMetrics `json:"metrics"`
	Tags         []string        `json:"tags,omitempty"`
}

// Task is the per-task view, also queryable on its own via
// GetTasksByWorkflow.
type Task struct {
	ID              uuid.UUID       `json:"id"`
	WorkflowID      uuid.UUID       `json:"workflow_id"`
	TaskType        string          `json:"task_type"`
	AgentType       string          `json:"agent_type,omitempty"`
	Status          TaskStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Results         json.RawMessage `json:"results,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	DurationSeconds *int64          `json:"duration_seconds,omitempty"`
	RetryCount      int             `json:"retry_count"`
}

type WorkflowMetrics struct {
	TotalTasks            int     `json:"total_tasks"`
	CompletedTasks        int     `json:"completed_tasks"`
	FailedTasks           int     `json:"failed_tasks"`
	ProgressPercentage    float64 `json:"progress_percentage"`
	ActualDurationMinutes *int64  `json:"actual_duration_minutes,omitempty"`
}

// ComputedMetrics derives metrics from the inline tasks and the workflow
// timestamps without mutating the workflow.
func (w *Workflow) ComputedMetrics() WorkflowMetrics {
	m := WorkflowMetrics{TotalTasks: len(w.Tasks)}

	for _, task := range w.Tasks {
		switch task.Status {
		case TaskStatusCompleted:
			m.CompletedTasks++
		case TaskStatusFailed:
			m.FailedTasks++
		}
	}

	if m.TotalTasks > 0 {
		m.ProgressPercentage = float64(m.CompletedTasks) / float64(m.TotalTasks) * 100
	}

	if w.StartedAt != nil && w.CompletedAt != nil {
		minutes := int64(w.CompletedAt.Sub(*w.StartedAt) / time.Minute)
		m.ActualDurationMinutes = &minutes
	}

	return m
}

// RecomputeMetrics refreshes the stored Metrics field.
func (w *Workflow) RecomputeMetrics() {
	w.Metrics = w.ComputedMetrics()
}

// Summary reduces the workflow to its list representation.
func (w *Workflow) Summary() WorkflowSummary {
	m := w.ComputedMetrics()

	return WorkflowSummary{
		ID:                 w.ID,
		Name:               w.Name,
		Query:              w.Query,
		Status:             w.Status,
		CreatedAt:          w.CreatedAt,
		CompletedAt:        w.CompletedAt,
		ProgressPercentage: m.ProgressPercentage,
		TotalTasks:         m.TotalTasks,
		CompletedTasks:     m.CompletedTasks,
		Tags:               w.Tags,
	}
}

type WorkflowSummary struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Query              string         `json:"query"`
	Status             WorkflowStatus `json:"status"`
	CreatedAt          time.Time      `json:"created_at"`
	CompletedAt        *time.Time     `json:"completed_at,omitempty"`
	ProgressPercentage float64        `json:"progress_percentage"`
	TotalTasks         int            `json:"total_tasks"`
	CompletedTasks     int            `json:"completed_tasks"`
	Tags               []string       `json:"tags,omitempty"`
}

// WorkflowList is one page of workflow summaries. TotalCount counts the
// workflows matching the filters, not all stored workflows.
type WorkflowList struct {
	Workflows       []WorkflowSummary `json:"workflows"`
	TotalCount      int64             `json:"total_count"`
	Page            int               `json:"page"`
	PageSize        int               `json:"page_size"`
	TotalPages      int               `json:"total_pages"`
	HasNextPage     bool              `json:"has_next_page"`
	HasPreviousPage bool              `json:"has_previous_page"`
}

type WorkflowStats struct {
	TotalWorkflows               int64            `json:"total_workflows"`
	WorkflowsByStatus            map[string]int64 `json:"workflows_by_status"`
	AverageCompletionTimeMinutes float64          `json:"average_completion_time_minutes"`
	SuccessRatePercentage        float64          `json:"success_rate_percentage"`
	TaskStatistics               TaskStatistics   `json:"task_statistics"`
}

type TaskStatistics struct {
	TotalTasks      int64            `json:"total_tasks"`
	TasksByType     map[string]int64 `json:"tasks_by_type"`
	TasksByAgent    map[string]int64 `json:"tasks_by_agent"`
	TaskSuccessRate float64          `json:"task_success_rate"`
}

// Stats describe the read-model storage itself.
type Stats struct {
	TotalWorkflows int64     `json:"total_workflows"`
	TotalTasks     int64     `json:"total_tasks"`
	LastUpdated    time.Time `json:"last_updated"`
}

// ListOptions control filtering, sorting, and pagination of workflow lists.
// The zero value lists the first page, newest first.
type ListOptions struct {
	Page     int
	PageSize int

	// Status filters by workflow status when non-empty.
	Status WorkflowStatus

	// Search keeps workflows whose name or query contains the term,
	// case-insensitively.
	Search string

	// SortBy is "created_at" (default) or "name".
	SortBy string

	// SortOrder is "desc" (default) or "asc".
	SortOrder string
}

const DefaultPageSize = 20

// Store is the read-model persistence contract. Projections write through
// UpsertWorkflow/UpsertTask; query handlers read.
type Store interface {
	GetWorkflow(ctx context.Context, id uuid.UUID) (*Workflow, error)
	GetWorkflowList(ctx context.Context, opts ListOptions) (*WorkflowList, error)
	GetWorkflowStats(ctx context.Context) (*WorkflowStats, error)

	// GetTasksByWorkflow returns the workflow's tasks in creation order,
	// filtered by status when non-empty.
	GetTasksByWorkflow(ctx context.Context, workflowID uuid.UUID, status TaskStatus) ([]Task, error)

	// SearchWorkflows is GetWorkflowList constrained to a search term.
	SearchWorkflows(ctx context.Context, term string, page, pageSize int) (*WorkflowList, error)

	UpsertWorkflow(ctx context.Context, workflow *Workflow) error
	UpsertTask(ctx context.Context, task *Task) error
	DeleteWorkflow(ctx context.Context, id uuid.UUID) error

	HealthCheck(ctx context.Context) error
	Stats(ctx context.Context) (*Stats, error)
}

// BuildWorkflowList applies ListOptions to a full set of workflows. Backends
// without server-side filtering share this to keep list semantics identical.
func BuildWorkflowList(workflows []*Workflow, opts ListOptions) *WorkflowList {
	page := opts.Page
	if page < 1 {
		page = 1
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	filtered := make([]*Workflow, 0, len(workflows))
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	for _, w := range workflows {
		if opts.Status != "" && w.Status != opts.Status {
			continue
		}

		if search != "" &&
			!strings.Contains(strings.ToLower(w.Name), search) &&
			!strings.Contains(strings.ToLower(w.Query), search) {
			continue
		}

		filtered = append(filtered, w)
	}

	asc := opts.SortOrder == "asc"
	switch opts.SortBy {
	case "name":
		sort.SliceStable(filtered, func(i, j int) bool {
			if asc {
				return filtered[i].Name < filtered[j].Name
			}
			return filtered[i].Name > filtered[j].Name
		})
	default:
		sort.SliceStable(filtered, func(i, j int) bool {
			if asc {
				return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
			}
			return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
		})
	}

	totalCount := int64(len(filtered))
	totalPages := (len(filtered) + pageSize - 1) / pageSize

	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := start + pageSize
	if end > len(filtered) {
		end = len(filtered)
	}

	summaries := make([]WorkflowSummary, 0, end-start)
	for _, w := range filtered[start:end] {
		summaries = append(summaries, w.Summary())
	}

	return &WorkflowList{
		Workflows:       summaries,
		TotalCount:      totalCount,
		Page:            page,
		PageSize:        pageSize,
		TotalPages:      totalPages,
		HasNextPage:     page < totalPages,
		HasPreviousPage: page > 1,
	}
}

// ComputeWorkflowStats aggregates statistics over a full set of workflows.
func ComputeWorkflowStats(workflows []*Workflow) *WorkflowStats {
	stats := &WorkflowStats{
		WorkflowsByStatus: map[string]int64{},
		TaskStatistics: TaskStatistics{
			TasksByType:  map[string]int64{},
			TasksByAgent: map[string]int64{},
		},
	}

	var completed, failed int64
	var completionMinutes float64
	var timedCompletions int64
	var completedTasks int64

	for _, w := range workflows {
		stats.TotalWorkflows++
		stats.WorkflowsByStatus[string(w.Status)]++

		switch w.Status {
		case WorkflowStatusCompleted:
			completed++
			if w.StartedAt != nil && w.CompletedAt != nil {
				completionMinutes += w.CompletedAt.Sub(*w.StartedAt).Minutes()
				timedCompletions++
			}
		case WorkflowStatusFailed:
			failed++
		}

		for _, task := range w.Tasks {
			stats.TaskStatistics.TotalTasks++
			stats.TaskStatistics.TasksByType[task.TaskType]++
			if task.AgentType != "" {
				stats.TaskStatistics.TasksByAgent[task.AgentType]++
			}
			if task.Status == TaskStatusCompleted {
				completedTasks++
			}
		}
	}

	if timedCompletions > 0 {
		stats.AverageCompletionTimeMinutes = completionMinutes / float64(timedCompletions)
	}

	if terminal := completed + failed; terminal > 0 {
		stats.SuccessRatePercentage = float64(completed) / float64(terminal) * 100
	}

	if stats.TaskStatistics.TotalTasks > 0 {
		stats.TaskStatistics.TaskSuccessRate = float64(completedTasks) / float64(stats.TaskStatistics.TotalTasks) * 100
	}

	return stats
}
