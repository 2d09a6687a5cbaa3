package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements Limiter with a sliding-window log in a Redis
// sorted set per key: members are request ids scored by arrival time.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
	logger *slog.Logger
	owned  bool
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithKeyPrefix namespaces the limiter's keys (default "kiroku:ratelimit").
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// NewRedisLimiter allows limit requests per window per key. The caller keeps
// ownership of client; Close does not close it.
func NewRedisLimiter(client *redis.Client, limit int, window time.Duration, logger *slog.Logger, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client: client,
		prefix: "kiroku:ratelimit",
		limit:  max(limit, 1),
		window: window,
		logger: logger,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// DialRedisLimiter parses a redis:// URL, pings the server and returns a
// limiter that owns its client.
func DialRedisLimiter(ctx context.Context, url string, limit int, window time.Duration, logger *slog.Logger, opts ...RedisOption) (*RedisLimiter, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: parse redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping: %w", err)
	}
	l := NewRedisLimiter(client, limit, window, logger, opts...)
	l.owned = true
	return l, nil
}

// Allow adds the request to key's window and admits it while the window
// holds at most limit entries. Denied requests are removed again so they do
// not extend the wait.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	now := time.Now()
	k := l.prefix + ":" + key
	member := strconv.FormatInt(now.UnixMicro(), 10) + "-" + uuid.NewString()[:8]

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, k, "-inf", strconv.FormatInt(now.Add(-l.window).UnixMicro(), 10))
	pipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	count := pipe.ZCard(ctx, k)
	oldest := pipe.ZRangeWithScores(ctx, k, 0, 0)
	pipe.PExpire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis window %s: %w", key, err)
	}

	d := Decision{Limit: l.limit}
	if n := count.Val(); n <= int64(l.limit) {
		d.Allowed = true
		d.Remaining = l.limit - int(n)
		return d, nil
	}
	if first := oldest.Val(); len(first) == 1 {
		expires := time.UnixMicro(int64(first[0].Score)).Add(l.window)
		d.RetryAfter = max(expires.Sub(now), 0)
	}
	if err := l.client.ZRem(ctx, k, member).Err(); err != nil {
		l.logger.Warn("ratelimit: failed to drop denied request from window", "key", key, "error", err)
	}
	return d, nil
}

// Close closes the client when the limiter created it.
func (l *RedisLimiter) Close() error {
	if l.owned {
		return l.client.Close()
	}
	return nil
}
