package admission

import (
	"context"
	"sync"
	"time"
)

// sweepThreshold is the bucket count above which expired buckets are
// dropped. An expired bucket and a missing one behave identically.
const sweepThreshold = 10_000

type bucket struct {
	resetAt time.Time
	count   int64
}

// MemoryController keeps fixed-window buckets in a mutex-guarded map.
// Counts are per process: replicas do not share them.
type MemoryController struct {
	window time.Duration
	limits LimitFunc
	now    func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// MemoryOption customizes a MemoryController.
type MemoryOption func(*MemoryController)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryController) { m.now = now }
}

// NewMemoryController creates an in-process controller.
func NewMemoryController(window time.Duration, limits LimitFunc, opts ...MemoryOption) *MemoryController {
	if window <= 0 {
		window = DefaultWindow
	}
	m := &MemoryController{
		window:  window,
		limits:  limits,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Check counts the request against its bucket. The increment and the
// comparison with the limit happen under one lock, so concurrent requests
// can never push a bucket past its limit.
func (m *MemoryController) Check(_ context.Context, endpoint, clientKey string) (Decision, error) {
	limit := m.limits(endpoint)
	if limit <= 0 {
		return unlimited(), nil
	}

	key := bucketKey(endpoint, clientKey)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.maybeSweep(now)

	b, ok := m.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{resetAt: now.Add(m.window), count: 1}
		m.buckets[key] = b
		return Decision{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: b.resetAt}, nil
	}

	if b.count < limit {
		b.count++
		return Decision{Allowed: true, Limit: limit, Remaining: limit - b.count, ResetAt: b.resetAt}, nil
	}

	return Decision{
		Allowed:    false,
		Limit:      limit,
		Remaining:  0,
		ResetAt:    b.resetAt,
		RetryAfter: retryAfterSeconds(b.resetAt, now),
	}, nil
}

// maybeSweep drops expired buckets at most once per window, and only once
// the map is large. Caller holds m.mu.
func (m *MemoryController) maybeSweep(now time.Time) {
	if len(m.buckets) < sweepThreshold || now.Sub(m.lastSweep) < m.window {
		return
	}
	m.lastSweep = now
	for k, b := range m.buckets {
		if !now.Before(b.resetAt) {
			delete(m.buckets, k)
		}
	}
}

// Len returns the number of live buckets.
func (m *MemoryController) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// Close is a no-op.
func (m *MemoryController) Close() error { return nil }
