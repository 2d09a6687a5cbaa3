package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kiroku/internal/model"
)

// StatusSink receives the coordinator's status after every poll.
type StatusSink interface {
	Report(ctx context.Context, st model.WorkerStatus) error
}

// StatusSource lists the latest status of every live coordinator.
type StatusSource interface {
	List(ctx context.Context) ([]model.WorkerStatus, error)
}

// RedisStatusRegistry keeps one short-lived key per coordinator so any
// instance can show cluster-wide worker status. A coordinator that stops
// reporting disappears once its key expires.
type RedisStatusRegistry struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// RegistryOption configures a RedisStatusRegistry.
type RegistryOption func(*RedisStatusRegistry)

// WithRegistryPrefix sets the key prefix. Default "kiroku:workers:".
func WithRegistryPrefix(prefix string) RegistryOption {
	return func(r *RedisStatusRegistry) { r.prefix = prefix }
}

// WithRegistryLogger sets the logger for undecodable entries. Default slog.Default().
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *RedisStatusRegistry) { r.logger = logger }
}

// NewRedisStatusRegistry creates a registry whose entries live for ttl.
func NewRedisStatusRegistry(client *redis.Client, ttl time.Duration, opts ...RegistryOption) *RedisStatusRegistry {
	r := &RedisStatusRegistry{client: client, prefix: "kiroku:workers:", ttl: ttl, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Report stores st under its worker id.
func (r *RedisStatusRegistry) Report(ctx context.Context, st model.WorkerStatus) error {
	b, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("worker registry: marshal status: %w", err)
	}
	if err := r.client.Set(ctx, r.prefix+st.WorkerID, b, r.ttl).Err(); err != nil {
		return fmt.Errorf("worker registry: report %s: %w", st.WorkerID, err)
	}
	return nil
}

// List returns every unexpired status, ordered by worker id.
func (r *RedisStatusRegistry) List(ctx context.Context) ([]model.WorkerStatus, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("worker registry: scan: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("worker registry: mget: %w", err)
	}
	out := make([]model.WorkerStatus, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // expired between SCAN and MGET
		}
		var st model.WorkerStatus
		if err := json.Unmarshal([]byte(s), &st); err != nil {
			r.logger.Warn("worker registry: skipping undecodable status", "key", keys[i], "error", err)
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}
