// Package memory provides an in-memory read-model store for tests, samples,
// and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/freedeepresearch/eventcore/readmodel"
)

type Store struct {
	mu          sync.RWMutex
	workflows   map[uuid.UUID]*readmodel.Workflow
	tasks       map[uuid.UUID]*readmodel.Task
	lastUpdated time.Time
}

var _ readmodel.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		workflows: map[uuid.UUID]*readmodel.Workflow{},
		tasks:     map[uuid.UUID]*readmodel.Task{},
	}
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*readmodel.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, readmodel.ErrNotFound
	}

	c := copyWorkflow(w)
	c.RecomputeMetrics()

	return c, nil
}

func (s *Store) GetWorkflowList(ctx context.Context, opts readmodel.ListOptions) (*readmodel.WorkflowList, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return readmodel.BuildWorkflowList(s.allWorkflows(), opts), nil
}

func (s *Store) GetWorkflowStats(ctx context.Context) (*readmodel.WorkflowStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return readmodel.ComputeWorkflowStats(s.allWorkflows()), nil
}

func (s *Store) GetTasksByWorkflow(ctx context.Context, workflowID uuid.UUID, status readmodel.TaskStatus) ([]readmodel.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []readmodel.Task
	for _, task := range s.tasks {
		if task.WorkflowID != workflowID {
			continue
		}
		if status != "" && task.Status != status {
			continue
		}

		result = append(result, *task)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *Store) SearchWorkflows(ctx context.Context, term string, page, pageSize int) (*readmodel.WorkflowList, error) {
	return s.GetWorkflowList(ctx, readmodel.ListOptions{
		Page:     page,
		PageSize: pageSize,
		Search:   term,
	})
}

func (s *Store) UpsertWorkflow(ctx context.Context, workflow *readmodel.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[workflow.ID] = copyWorkflow(workflow)
	s.lastUpdated = time.Now().UTC()

	return nil
}

func (s *Store) UpsertTask(ctx context.Context, task *readmodel.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := *task
	s.tasks[task.ID] = &t
	s.lastUpdated = time.Now().UTC()

	return nil
}

func (s *Store) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.workflows, id)
	for taskID, task := range s.tasks {
		if task.WorkflowID == id {
			delete(s.tasks, taskID)
		}
	}
	s.lastUpdated = time.Now().UTC()

	return nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *Store) Stats(ctx context.Context) (*readmodel.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &readmodel.Stats{
		TotalWorkflows: int64(len(s.workflows)),
		TotalTasks:     int64(len(s.tasks)),
		LastUpdated:    s.lastUpdated,
	}, nil
}

// allWorkflows must be called with the lock held.
func (s *Store) allWorkflows() []*readmodel.Workflow {
	result := make([]*readmodel.Workflow, 0, len(s.workflows))
	for _, w := range s.workflows {
		result = append(result, w)
	}

	return result
}

func copyWorkflow(w *readmodel.Workflow) *readmodel.Workflow {
	c := *w
	c.Tasks = append([]readmodel.Task(nil), w.Tasks...)
	c.Tags = append([]string(nil), w.Tags...)

	return &c
}
