// Package redis provides a Redis backed read-model store. Workflows and
// tasks are stored as JSON values and indexed by creation time in sorted
// sets.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/freedeepresearch/eventcore/readmodel"
)

type options struct {
	// KeyPrefix is prepended to every key so multiple deployments can share
	// one database.
	KeyPrefix string
}

type option func(*options)

func WithKeyPrefix(prefix string) option {
	return func(o *options) {
		o.KeyPrefix = prefix
	}
}

func NewStore(client redis.UniversalClient, opts ...option) *Store {
	options := &options{
		KeyPrefix: "eventcore:",
	}

	for _, opt := range opts {
		opt(options)
	}

	return &Store{
		rdb:     client,
		options: options,
	}
}

type Store struct {
	rdb     redis.UniversalClient
	options *options
}

var _ readmodel.Store = (*Store)(nil)

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("pinging redis: %w", err)
	}

	return nil
}

func (s *Store) Stats(ctx context.Context) (*readmodel.Stats, error) {
	workflows, err := s.rdb.ZCard(ctx, workflowsByCreation(s.options.KeyPrefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("counting workflows: %w", err)
	}

	tasks, err := s.rdb.ZCard(ctx, tasksByCreation(s.options.KeyPrefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}

	stats := &readmodel.Stats{
		TotalWorkflows: workflows,
		TotalTasks:     tasks,
	}

	lastUpdated, err := s.rdb.Get(ctx, lastUpdatedKey(s.options.KeyPrefix)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("reading last-updated: %w", err)
	}

	if err == nil {
		t, err := time.Parse(time.RFC3339Nano, lastUpdated)
		if err != nil {
			return nil, fmt.Errorf("parsing last-updated: %w", err)
		}
		stats.LastUpdated = t
	}

	return stats, nil
}

func (s *Store) touchP(ctx context.Context, p redis.Pipeliner) {
	p.Set(ctx, lastUpdatedKey(s.options.KeyPrefix), time.Now().UTC().Format(time.RFC3339Nano), 0)
}
