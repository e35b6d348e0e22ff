package replay

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	mi "github.com/freedeepresearch/eventcore/internal/metrics"
	"github.com/freedeepresearch/eventcore/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// BatchSize caps how many events one read pulls from the store, both
	// while discovering streams and while replaying one stream.
	BatchSize int

	// MaxConcurrentStreams bounds how many streams replay at the same
	// time. Events within one stream are always delivered sequentially.
	MaxConcurrentStreams int

	// CheckpointFrequency is the number of delivered events between
	// progress checkpoint updates for a stream. The position after the
	// last delivered event is always checkpointed, so lowering this only
	// tightens how current Progress is mid-stream.
	CheckpointFrequency int

	// Timeout bounds one whole replay run. Zero or negative disables the
	// bound; the caller's context still applies.
	Timeout time.Duration

	// ValidateEvents re-validates every event before delivering it, the
	// same check appends run. Useful when replaying a store written by an
	// older release.
	ValidateEvents bool
}

var DefaultOptions Options = Options{
	BatchSize:            100,
	MaxConcurrentStreams: 10,
	CheckpointFrequency:  1000,
	Timeout:              300 * time.Second,
	ValidateEvents:       true,

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

func WithBatchSize(size int) Option {
	return func(o *Options) {
		o.BatchSize = size
	}
}

func WithMaxConcurrentStreams(max int) Option {
	return func(o *Options) {
		o.MaxConcurrentStreams = max
	}
}

func WithCheckpointFrequency(frequency int) Option {
	return func(o *Options) {
		o.CheckpointFrequency = frequency
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithEventValidation(enabled bool) Option {
	return func(o *Options) {
		o.ValidateEvents = enabled
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
