package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// idleBucketTTL is how long an untouched bucket survives the sweep.
const idleBucketTTL = 10 * time.Minute

type bucket struct {
	tokens float64
	at     time.Time
}

// refill tops the bucket up for the time elapsed since it was last touched.
func (b *bucket) refill(now time.Time, rate, burst float64) {
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.at).Seconds()*rate)
	b.at = now
}

// MemoryLimiter is a per-key token bucket held in process.
type MemoryLimiter struct {
	rate  float64
	burst float64
	clock func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	closeOnce sync.Once
	stop      chan struct{}
}

// NewMemoryLimiter admits rate requests per second per key, with bursts up
// to burst. A background sweep drops idle buckets until Close.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(rate, burst, time.Now)
	go m.sweepLoop(time.Minute)
	return m
}

func newMemoryLimiter(rate float64, burst int, clock func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		rate:    rate,
		burst:   float64(max(burst, 1)),
		clock:   clock,
		buckets: map[string]*bucket{},
		stop:    make(chan struct{}),
	}
}

// Allow spends one token from key's bucket. A denied decision carries the
// time until the next whole token.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buckets[key]
	if b == nil {
		b = &bucket{tokens: m.burst, at: now}
		m.buckets[key] = b
	} else {
		b.refill(now, m.rate, m.burst)
	}

	d := Decision{Limit: int(m.burst)}
	if b.tokens >= 1 {
		b.tokens--
		d.Allowed = true
		d.Remaining = int(b.tokens)
		return d, nil
	}
	if m.rate > 0 {
		d.RetryAfter = time.Duration((1 - b.tokens) / m.rate * float64(time.Second))
	}
	return d, nil
}

// Close ends the sweep. Safe to call repeatedly.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *MemoryLimiter) sweep() {
	cutoff := m.clock().Add(-idleBucketTTL)
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.at.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
