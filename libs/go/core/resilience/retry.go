package resilience

import (
	"context"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

const maxBackoff = 60 * time.Second

// Retry runs fn up to attempts times with exponential backoff and full
// jitter: each wait is uniform in [0, backoff] and backoff doubles after
// every failed attempt, capped at maxBackoff. The last error wins when all
// attempts fail.
func Retry[T any](ctx context.Context, attempts int, backoff time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}

	meter := otel.Meter("swarm-go")
	tried, _ := meter.Int64Counter("swarm_resilience_retry_attempts_total")
	succeeded, _ := meter.Int64Counter("swarm_resilience_retry_success_total")
	failed, _ := meter.Int64Counter("swarm_resilience_retry_fail_total")

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		v, err := fn()
		tried.Add(ctx, 1)
		if err == nil {
			succeeded.Add(ctx, 1)
			return v, nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}

		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		select {
		case <-ctx.Done():
			failed.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(backoff) + 1))):
		}
		backoff *= 2
	}
	failed.Add(ctx, 1)
	return zero, lastErr
}
