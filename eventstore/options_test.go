package eventstore

import (
	"log/slog"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOptions(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		options := ApplyOptions()

		require.NotNil(t, options)
		assert.Equal(t, int64(100), options.SnapshotFrequency)
		assert.Equal(t, 1000, options.MaxEventsPerRead)
		assert.NotNil(t, options.Logger)
		assert.NotNil(t, options.Metrics)
		assert.NotNil(t, options.TracerProvider)
		assert.NotNil(t, options.Serializer)
		assert.NotNil(t, options.Clock)
	})

	t.Run("overrides", func(t *testing.T) {
		logger := slog.Default()
		c := clock.NewMock()

		options := ApplyOptions(
			WithLogger(logger),
			WithClock(c),
			WithSnapshotFrequency(10),
			WithMaxEventsPerRead(50),
		)

		assert.Same(t, logger, options.Logger)
		assert.Same(t, c, options.Clock)
		assert.Equal(t, int64(10), options.SnapshotFrequency)
		assert.Equal(t, 50, options.MaxEventsPerRead)
	})

	t.Run("does not mutate defaults", func(t *testing.T) {
		_ = ApplyOptions(WithSnapshotFrequency(7))

		assert.Equal(t, int64(100), DefaultOptions.SnapshotFrequency)
	})
}

func TestShouldCreateSnapshot(t *testing.T) {
	options := ApplyOptions(WithSnapshotFrequency(100))

	assert.False(t, options.ShouldCreateSnapshot(0))
	assert.False(t, options.ShouldCreateSnapshot(1))
	assert.False(t, options.ShouldCreateSnapshot(99))
	assert.True(t, options.ShouldCreateSnapshot(100))
	assert.False(t, options.ShouldCreateSnapshot(101))
	assert.True(t, options.ShouldCreateSnapshot(200))
}
