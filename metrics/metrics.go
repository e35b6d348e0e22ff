package metrics

import "time"

type Tags map[string]string

// Client is the metrics sink used throughout the module. Implementations
// must be safe for concurrent use.
type Client interface {
	Counter(name string, tags Tags, value int64)

	Distribution(name string, tags Tags, value float64)

	Gauge(name string, tags Tags, value int64)

	Timing(name string, tags Tags, duration time.Duration)

	// WithTags returns a client that adds the given tags to every metric
	WithTags(tags Tags) Client
}
