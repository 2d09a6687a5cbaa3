// Package ratelimit throttles the HTTP API per client.
//
// MemoryLimiter keeps token buckets in process and suits a single node.
// RedisLimiter keeps a sliding window in Redis so every kiroku instance
// behind a load balancer shares one budget per client.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed bool
	// Limit is the budget per key; zero when the limiter has none.
	Limit int
	// Remaining is how many more requests the key may make right now.
	Remaining int
	// RetryAfter is how long a denied key should wait. Zero when unknown.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, falling back to
// fallback when the limiter gave no estimate. Never below one.
func (d Decision) RetryAfterSeconds(fallback time.Duration) int {
	wait := d.RetryAfter
	if wait <= 0 {
		wait = fallback
	}
	return max(int(math.Ceil(wait.Seconds())), 1)
}

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use. An error means the
// limiter itself failed; the middleware lets the request through.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// NoopLimiter admits everything. Used when KIROKU_RATE_LIMIT_ENABLED=false.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

func (NoopLimiter) Close() error { return nil }
