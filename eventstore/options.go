package eventstore

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"

	"github.com/freedeepresearch/eventcore/events"
	mi "github.com/freedeepresearch/eventcore/internal/metrics"
	"github.com/freedeepresearch/eventcore/metrics"
)

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	// Serializer converts events to and from their persisted form. Defaults
	// to the JSON serializer with the built-in event types registered.
	Serializer events.Serializer

	Clock clock.Clock

	// SnapshotFrequency is the version interval at which ShouldCreateSnapshot
	// suggests persisting a snapshot.
	SnapshotFrequency int64

	// MaxEventsPerRead caps the page size of ReadEvents and ReadAllEvents
	// when the caller passes no limit.
	MaxEventsPerRead int
}

var DefaultOptions Options = Options{
	SnapshotFrequency: 100,
	MaxEventsPerRead:  1000,

	Logger:         slog.Default(),
	Metrics:        mi.NewNoopMetricsClient(),
	TracerProvider: trace.NewNoopTracerProvider(),
	Clock:          clock.New(),
}

// ShouldCreateSnapshot suggests whether the caller should persist a snapshot
// at the given stream version. The caller decides whether to act on it.
func (o *Options) ShouldCreateSnapshot(version int64) bool {
	return version > 0 && version%o.SnapshotFrequency == 0
}

type StoreOption func(*Options)

func WithLogger(logger *slog.Logger) StoreOption {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) StoreOption {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) StoreOption {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithSerializer(serializer events.Serializer) StoreOption {
	return func(o *Options) {
		o.Serializer = serializer
	}
}

func WithClock(c clock.Clock) StoreOption {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithSnapshotFrequency(frequency int64) StoreOption {
	return func(o *Options) {
		o.SnapshotFrequency = frequency
	}
}

func WithMaxEventsPerRead(max int) StoreOption {
	return func(o *Options) {
		o.MaxEventsPerRead = max
	}
}

func ApplyOptions(opts ...StoreOption) *Options {
	options := DefaultOptions

	for _, opt := range opts {
		opt(&options)
	}

	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	if options.Serializer == nil {
		options.Serializer = events.NewJSONSerializer()
	}

	return &options
}
