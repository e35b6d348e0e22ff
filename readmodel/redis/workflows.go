package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/freedeepresearch/eventcore/readmodel"
)

func (s *Store) UpsertWorkflow(ctx context.Context, workflow *readmodel.Workflow) error {
	data, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("marshaling workflow: %w", err)
	}

	p := s.rdb.TxPipeline()
	p.Set(ctx, workflowKey(s.options.KeyPrefix, workflow.ID), string(data), 0)
	p.ZAdd(ctx, workflowsByCreation(s.options.KeyPrefix), redis.Z{
		Score:  float64(workflow.CreatedAt.UnixMilli()),
		Member: workflow.ID.String(),
	})
	s.touchP(ctx, p)

	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("storing workflow: %w", err)
	}

	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id uuid.UUID) (*readmodel.Workflow, error) {
	data, err := s.rdb.Get(ctx, workflowKey(s.options.KeyPrefix, id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, readmodel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading workflow: %w", err)
	}

	var workflow readmodel.Workflow
	if err := json.Unmarshal([]byte(data), &workflow); err != nil {
		return nil, fmt.Errorf("unmarshaling workflow: %w", err)
	}

	workflow.RecomputeMetrics()

	return &workflow, nil
}

func (s *Store) GetWorkflowList(ctx context.Context, opts readmodel.ListOptions) (*readmodel.WorkflowList, error) {
	workflows, err := s.readAllWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	return readmodel.BuildWorkflowList(workflows, opts), nil
}

func (s *Store) GetWorkflowStats(ctx context.Context) (*readmodel.WorkflowStats, error) {
	workflows, err := s.readAllWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	return readmodel.ComputeWorkflowStats(workflows), nil
}

func (s *Store) SearchWorkflows(ctx context.Context, term string, page, pageSize int) (*readmodel.WorkflowList, error) {
	return s.GetWorkflowList(ctx, readmodel.ListOptions{
		Page:     page,
		PageSize: pageSize,
		Search:   term,
	})
}

func (s *Store) DeleteWorkflow(ctx context.Context, id uuid.UUID) error {
	taskIDs, err := s.rdb.ZRange(ctx, workflowTasksKey(s.options.KeyPrefix, id), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("reading workflow tasks: %w", err)
	}

	p := s.rdb.TxPipeline()
	for _, taskID := range taskIDs {
		p.Del(ctx, taskKeyFromSegment(s.options.KeyPrefix, taskID))
		p.ZRem(ctx, tasksByCreation(s.options.KeyPrefix), taskID)
	}
	p.Del(ctx, workflowTasksKey(s.options.KeyPrefix, id))
	p.Del(ctx, workflowKey(s.options.KeyPrefix, id))
	p.ZRem(ctx, workflowsByCreation(s.options.KeyPrefix), id.String())
	s.touchP(ctx, p)

	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("deleting workflow: %w", err)
	}

	return nil
}

// readAllWorkflows returns every stored workflow, newest first. Values that
// disappear between the index read and the bulk get are skipped.
func (s *Store) readAllWorkflows(ctx context.Context) ([]*readmodel.Workflow, error) {
	ids, err := s.rdb.ZRevRange(ctx, workflowsByCreation(s.options.KeyPrefix), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing workflows: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = workflowKeyFromSegment(s.options.KeyPrefix, id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading workflows: %w", err)
	}

	workflows := make([]*readmodel.Workflow, 0, len(values))
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}

		var workflow readmodel.Workflow
		if err := json.Unmarshal([]byte(data), &workflow); err != nil {
			return nil, fmt.Errorf("unmarshaling workflow: %w", err)
		}

		workflows = append(workflows, &workflow)
	}

	return workflows, nil
}
