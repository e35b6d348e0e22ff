package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/freedeepresearch/eventcore/readmodel"
)

func (s *Store) UpsertTask(ctx context.Context, task *readmodel.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}

	member := redis.Z{
		Score:  float64(task.CreatedAt.UnixMilli()),
		Member: task.ID.String(),
	}

	p := s.rdb.TxPipeline()
	p.Set(ctx, taskKey(s.options.KeyPrefix, task.ID), string(data), 0)
	p.ZAdd(ctx, workflowTasksKey(s.options.KeyPrefix, task.WorkflowID), member)
	p.ZAdd(ctx, tasksByCreation(s.options.KeyPrefix), member)
	s.touchP(ctx, p)

	if _, err := p.Exec(ctx); err != nil {
		return fmt.Errorf("storing task: %w", err)
	}

	return nil
}

func (s *Store) GetTasksByWorkflow(ctx context.Context, workflowID uuid.UUID, status readmodel.TaskStatus) ([]readmodel.Task, error) {
	ids, err := s.rdb.ZRange(ctx, workflowTasksKey(s.options.KeyPrefix, workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing workflow tasks: %w", err)
	}

	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = taskKeyFromSegment(s.options.KeyPrefix, id)
	}

	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}

	var tasks []readmodel.Task
	for _, value := range values {
		data, ok := value.(string)
		if !ok {
			continue
		}

		var task readmodel.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("unmarshaling task: %w", err)
		}

		if status != "" && task.Status != status {
			continue
		}

		tasks = append(tasks, task)
	}

	return tasks, nil
}
