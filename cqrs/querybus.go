package cqrs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	goerrors "github.com/go-errors/errors"
	"github.com/jellydator/ttlcache/v3"

	"github.com/freedeepresearch/eventcore/correlation"
	"github.com/freedeepresearch/eventcore/internal/metrickeys"
	"github.com/freedeepresearch/eventcore/log"
	"github.com/freedeepresearch/eventcore/metrics"
)

// QueryBus routes queries to their registered handlers and caches results of
// cacheable queries. Reads only; a query handler must never write.
type QueryBus struct {
	options *Options
	logger  *slog.Logger

	mu       sync.RWMutex
	handlers map[string]QueryHandler

	// cache is nil when query caching is disabled.
	cache *ttlcache.Cache[string, any]

	executed        atomic.Int64
	failed          atomic.Int64
	cacheHits       atomic.Int64
	cacheMisses     atomic.Int64
	totalDurationMS atomic.Int64
}

func NewQueryBus(options *Options) *QueryBus {
	if options == nil {
		options = ApplyOptions()
	}

	b := &QueryBus{
		options:  options,
		logger:   options.Logger,
		handlers: map[string]QueryHandler{},
	}

	if options.EnableQueryCaching {
		mc := options.Metrics

		c := ttlcache.New(
			ttlcache.WithCapacity[string, any](options.QueryCacheSize),
			ttlcache.WithTTL[string, any](options.QueryCacheTTL),
		)

		c.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, any]) {
			var reasonS string
			switch reason {
			case ttlcache.EvictionReasonExpired:
				reasonS = "expired"
			case ttlcache.EvictionReasonCapacityReached:
				reasonS = "capacity"
			}

			mc.Counter(metrickeys.QueryCacheEviction, metrics.Tags{metrickeys.EvictionReason: reasonS}, 1)
		})

		b.cache = c
	}

	return b
}

// RegisterHandler binds the handler to the query name. One handler per name;
// registering again replaces the previous one.
func (b *QueryBus) RegisterHandler(queryName string, handler QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[queryName] = handler

	b.logger.Debug("registered query handler", log.QueryNameKey, queryName)
}

// HandlerCount returns the number of registered query handlers.
func (b *QueryBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.handlers)
}

// Execute validates the query, serves it from the result cache when
// possible, and otherwise dispatches it to its handler under
// Options.QueryTimeout.
func (b *QueryBus) Execute(ctx context.Context, query Query) (any, error) {
	name := query.QueryName()
	start := b.options.Clock.Now()

	if err := query.Validate(); err != nil {
		b.recordFailure(name, start)
		return nil, &QueryValidationError{QueryName: name, Err: err}
	}

	cacheable := b.cache != nil && query.IsCacheable()
	if cacheable {
		if item := b.cache.Get(query.CacheKey()); item != nil {
			b.cacheHits.Add(1)
			b.executed.Add(1)
			b.options.Metrics.Counter(metrickeys.QueryCacheHits, metrics.Tags{metrickeys.Query: name}, 1)
			b.options.Metrics.Counter(metrickeys.QueriesExecuted, metrics.Tags{metrickeys.Query: name}, 1)

			return item.Value(), nil
		}

		b.cacheMisses.Add(1)
		b.options.Metrics.Counter(metrickeys.QueryCacheMisses, metrics.Tags{metrickeys.Query: name}, 1)
	}

	b.mu.RLock()
	handler, ok := b.handlers[name]
	b.mu.RUnlock()

	if !ok {
		b.recordFailure(name, start)
		return nil, &HandlerNotFoundError{Kind: "query", Name: name}
	}

	b.logger.Debug("executing query",
		log.QueryNameKey, name,
		log.QueryIDKey, query.QueryID(),
	)

	result, err := b.dispatch(ctx, query, handler)

	elapsed := b.options.Clock.Since(start)
	b.executed.Add(1)
	b.totalDurationMS.Add(elapsed.Milliseconds())
	b.options.Metrics.Counter(metrickeys.QueriesExecuted, metrics.Tags{metrickeys.Query: name}, 1)
	b.options.Metrics.Timing(metrickeys.QueryDuration, metrics.Tags{metrickeys.Query: name}, elapsed)

	if err != nil {
		b.failed.Add(1)
		b.options.Metrics.Counter(metrickeys.QueriesFailed, metrics.Tags{metrickeys.Query: name}, 1)

		return nil, err
	}

	if cacheable {
		ttl := query.CacheTTL()
		if ttl <= 0 {
			ttl = ttlcache.DefaultTTL
		}

		b.cache.Set(query.CacheKey(), result, ttl)
		b.options.Metrics.Gauge(metrickeys.QueryCacheSize, metrics.Tags{}, int64(b.cache.Len()))
	}

	return result, nil
}

func (b *QueryBus) dispatch(ctx context.Context, query Query, handler QueryHandler) (any, error) {
	timeout := b.options.QueryTimeout

	execCtx, cancel := b.options.Clock.WithTimeout(queryContext(ctx, query), timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}

	resultC := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("query handler panic",
					log.QueryNameKey, query.QueryName(),
					log.QueryIDKey, query.QueryID(),
					"panic", fmt.Sprintf("%v", r),
					"stack", string(goerrors.New(r).Stack()),
				)

				resultC <- outcome{err: fmt.Errorf("panic in query handler: %v", r)}
			}
		}()

		result, err := handler.Handle(execCtx, query)
		resultC <- outcome{result: result, err: err}
	}()

	select {
	case o := <-resultC:
		return o.result, o.err

	case <-execCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("executing query %q: %w", query.QueryName(), err)
		}

		return nil, &QueryTimeoutError{QueryName: query.QueryName(), Timeout: timeout}
	}
}

// InvalidateCache drops all cached results. Projections that must be read
// through immediately after an update can use this; normally TTLs handle it.
func (b *QueryBus) InvalidateCache() {
	if b.cache == nil {
		return
	}

	b.cache.DeleteAll()
}

// StartEviction starts the cache's expired-item eviction loop and blocks
// until the context is canceled. Without it expired entries are still
// dropped, just lazily on access.
func (b *QueryBus) StartEviction(ctx context.Context) {
	if b.cache == nil {
		<-ctx.Done()
		return
	}

	go b.cache.Start()

	<-ctx.Done()

	b.cache.Stop()
}

// queryContext carries the query's correlation id to its handler, for logging
// and tracing. Queries produce no events, so no causation id is set.
func queryContext(ctx context.Context, query Query) context.Context {
	if c := query.CorrelationID(); c != nil {
		return correlation.WithCorrelationID(ctx, *c)
	}

	return ctx
}

func (b *QueryBus) recordFailure(name string, start time.Time) {
	b.executed.Add(1)
	b.failed.Add(1)
	b.totalDurationMS.Add(b.options.Clock.Since(start).Milliseconds())
	b.options.Metrics.Counter(metrickeys.QueriesExecuted, metrics.Tags{metrickeys.Query: name}, 1)
	b.options.Metrics.Counter(metrickeys.QueriesFailed, metrics.Tags{metrickeys.Query: name}, 1)
}
