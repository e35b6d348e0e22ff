package eventstore

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls the exponential backoff between attempts of a
// recoverable operation.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Clock           clock.Clock
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond * 100,
		MaxInterval:     time.Second * 5,
		Multiplier:      2.0,
		Clock:           clock.New(),
	}
}

// Retry runs op, retrying recoverable failures (see IsRetryable) with
// exponential backoff. Non-retryable errors and context cancellation stop
// the attempts immediately; once attempts run out the last error is
// returned.
func Retry(ctx context.Context, config RetryConfig, op func(ctx context.Context) error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}

	b := backoff.ExponentialBackOff{
		InitialInterval:     config.InitialInterval,
		MaxInterval:         config.MaxInterval,
		Multiplier:          config.Multiplier,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Stop:                backoff.Stop,
		Clock:               config.Clock,
	}
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}

		if !IsRetryable(err) || attempt >= config.MaxAttempts {
			return err
		}

		next := b.NextBackOff()
		if next == backoff.Stop {
			return err
		}

		t := config.Clock.Timer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
