package cqrs

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/correlation"
	mi "github.com/freedeepresearch/eventcore/internal/metrics"
	"github.com/freedeepresearch/eventcore/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// CommandTimeout bounds how long Execute waits for a command handler.
	// The handler itself is not forcibly stopped; its outcome is unknown to
	// the caller after a timeout.
	CommandTimeout time.Duration

	// QueryTimeout bounds how long Execute waits for a query handler.
	QueryTimeout time.Duration

	// EnableCommandValidation runs Command.Validate before dispatch.
	EnableCommandValidation bool

	// EnableQueryCaching serves cacheable queries from the result cache.
	EnableQueryCaching bool

	// QueryCacheSize caps the number of cached query results.
	QueryCacheSize uint64

	// QueryCacheTTL is the fallback lifetime for cached results when the
	// query does not declare its own.
	QueryCacheTTL time.Duration

	// ProjectionBatchSize caps how many feed events a projection consumer
	// pulls and applies per iteration. A checkpoint is persisted after each
	// batch.
	ProjectionBatchSize int

	// ProjectionPollInterval is how long an idle consumer waits before
	// polling the feed again.
	ProjectionPollInterval time.Duration

	// MaxConcurrentProjections bounds how many projection consumers apply
	// batches at the same time.
	MaxConcurrentProjections int

	// Propagators run before an event is handed to a projection, extracting
	// its correlation metadata into the handler context.
	Propagators []correlation.Propagator
}

var DefaultOptions Options = Options{
	CommandTimeout:          30 * time.Second,
	QueryTimeout:            10 * time.Second,
	EnableCommandValidation: true,
	EnableQueryCaching:      true,
	QueryCacheSize:          10000,
	QueryCacheTTL:           300 * time.Second,

	ProjectionBatchSize:      100,
	ProjectionPollInterval:   100 * time.Millisecond,
	MaxConcurrentProjections: 5,

	Propagators: []correlation.Propagator{&correlation.IDPropagator{}},

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: trace.NewNoopTracerProvider(),
	Clock:          clock.New(),
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithCommandTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.CommandTimeout = timeout
	}
}

func WithQueryTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.QueryTimeout = timeout
	}
}

func WithCommandValidation(enabled bool) Option {
	return func(o *Options) {
		o.EnableCommandValidation = enabled
	}
}

func WithQueryCaching(enabled bool) Option {
	return func(o *Options) {
		o.EnableQueryCaching = enabled
	}
}

func WithQueryCacheSize(size uint64) Option {
	return func(o *Options) {
		o.QueryCacheSize = size
	}
}

func WithQueryCacheTTL(ttl time.Duration) Option {
	return func(o *Options) {
		o.QueryCacheTTL = ttl
	}
}

func WithProjectionBatchSize(size int) Option {
	return func(o *Options) {
		o.ProjectionBatchSize = size
	}
}

func WithProjectionPollInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.ProjectionPollInterval = interval
	}
}

func WithMaxConcurrentProjections(max int) Option {
	return func(o *Options) {
		o.MaxConcurrentProjections = max
	}
}

// WithPropagator adds a context propagator alongside the default ones.
func WithPropagator(p correlation.Propagator) Option {
	return func(o *Options) {
		o.Propagators = append(o.Propagators, p)
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	return &options
}
