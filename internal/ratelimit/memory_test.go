package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestMemoryLimiter(rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return newMemoryLimiter(rate, burst, clock.Now), clock
}

func allowed(t *testing.T, l Limiter, key string) bool {
	t.Helper()
	d, err := l.Allow(context.Background(), key)
	require.NoError(t, err)
	return d.Allowed
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newTestMemoryLimiter(10, 3)

	for i := range 3 {
		d, err := m.Allow(context.Background(), "k1")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d within burst", i)
		assert.Equal(t, 3, d.Limit)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d, err := m.Allow(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 100*time.Millisecond, d.RetryAfter, "one token at 10/s")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, clock := newTestMemoryLimiter(2, 1) // one token every 500ms

	require.True(t, allowed(t, m, "k1"))
	require.False(t, allowed(t, m, "k1"))

	clock.Advance(250 * time.Millisecond)
	d, err := m.Allow(context.Background(), "k1")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "half a token is not enough")
	assert.Equal(t, 250*time.Millisecond, d.RetryAfter)

	clock.Advance(300 * time.Millisecond)
	assert.True(t, allowed(t, m, "k1"))
}

func TestMemoryLimiterCapsAtBurst(t *testing.T) {
	m, clock := newTestMemoryLimiter(1000, 3)
	allowed(t, m, "k1")

	clock.Advance(time.Hour)
	for i := range 3 {
		assert.True(t, allowed(t, m, "k1"), "request %d after idle", i)
	}
	assert.False(t, allowed(t, m, "k1"))
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newTestMemoryLimiter(10, 1)

	assert.True(t, allowed(t, m, "a"))
	assert.False(t, allowed(t, m, "a"))
	assert.True(t, allowed(t, m, "b"))
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newTestMemoryLimiter(100, 50)

	var (
		wg    sync.WaitGroup
		count atomic.Int64
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if d, _ := m.Allow(context.Background(), "shared"); d.Allowed {
					count.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	// The clock is frozen, so exactly the burst is granted.
	assert.Equal(t, int64(50), count.Load())
}

func TestMemoryLimiterSweep(t *testing.T) {
	m, clock := newTestMemoryLimiter(10, 5)
	allowed(t, m, "stale")
	clock.Advance(idleBucketTTL + time.Minute)
	allowed(t, m, "recent")

	m.sweep()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		require.True(t, allowed(t, l, "anything"))
	}
	require.NoError(t, l.Close())
}

func TestDecisionRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, Decision{RetryAfter: 100 * time.Millisecond}.RetryAfterSeconds(time.Minute))
	assert.Equal(t, 3, Decision{RetryAfter: 2100 * time.Millisecond}.RetryAfterSeconds(0))
	assert.Equal(t, 30, Decision{}.RetryAfterSeconds(30*time.Second))
	assert.Equal(t, 1, Decision{}.RetryAfterSeconds(0))
}
