package admission

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryController_FixedWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("limit+1th request is rejected with positive retry after", func(t *testing.T) {
		clock := newFakeClock()
		m := NewMemoryController(time.Minute, StaticLimit(3), WithClock(clock.Now))

		for i := 1; i <= 3; i++ {
			d, err := m.Check(ctx, "playlist", "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, d.Allowed, "request %d", i)
			assert.Equal(t, int64(3-i), d.Remaining)
		}

		clock.Advance(10 * time.Second)
		d, err := m.Check(ctx, "playlist", "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 50, d.RetryAfter)
	})

	t.Run("rejections are not counted and window rolls over", func(t *testing.T) {
		clock := newFakeClock()
		m := NewMemoryController(time.Minute, StaticLimit(1), WithClock(clock.Now))

		d, _ := m.Check(ctx, "playlist", "c")
		require.True(t, d.Allowed)
		for i := 0; i < 5; i++ {
			d, _ = m.Check(ctx, "playlist", "c")
			assert.False(t, d.Allowed)
		}

		clock.Advance(time.Minute)
		d, _ = m.Check(ctx, "playlist", "c")
		assert.True(t, d.Allowed, "window elapsed exactly at resetAt")
		assert.Equal(t, clock.Now().Add(time.Minute), d.ResetAt)
	})

	t.Run("retry after rounds up and is at least one", func(t *testing.T) {
		clock := newFakeClock()
		m := NewMemoryController(time.Minute, StaticLimit(1), WithClock(clock.Now))

		_, _ = m.Check(ctx, "e", "c")
		clock.Advance(59*time.Second + 900*time.Millisecond)
		d, _ := m.Check(ctx, "e", "c")
		require.False(t, d.Allowed)
		assert.Equal(t, 1, d.RetryAfter)

		clock.Advance(50 * time.Millisecond)
		d, _ = m.Check(ctx, "e", "c")
		require.False(t, d.Allowed)
		assert.Equal(t, 1, d.RetryAfter)
	})

	t.Run("buckets are keyed by endpoint and client", func(t *testing.T) {
		m := NewMemoryController(time.Minute, StaticLimit(1))

		for _, k := range [][2]string{{"a", "c1"}, {"a", "c2"}, {"b", "c1"}} {
			d, _ := m.Check(ctx, k[0], k[1])
			assert.True(t, d.Allowed, "%v", k)
		}
		assert.Equal(t, 3, m.Len())
	})

	t.Run("zero limit disables admission", func(t *testing.T) {
		m := NewMemoryController(time.Minute, StaticLimit(0))
		for i := 0; i < 100; i++ {
			d, _ := m.Check(ctx, "e", "c")
			require.True(t, d.Allowed)
		}
		assert.Zero(t, m.Len())
	})

	t.Run("limit is read on every check", func(t *testing.T) {
		var limit atomic.Int64
		limit.Store(1)
		m := NewMemoryController(time.Minute, func(string) int64 { return limit.Load() })

		d, _ := m.Check(ctx, "e", "c")
		require.True(t, d.Allowed)
		d, _ = m.Check(ctx, "e", "c")
		require.False(t, d.Allowed)

		limit.Store(5)
		d, _ = m.Check(ctx, "e", "c")
		assert.True(t, d.Allowed)
	})

	t.Run("zero window uses default", func(t *testing.T) {
		m := NewMemoryController(0, StaticLimit(1))
		assert.Equal(t, DefaultWindow, m.window)
	})
}

func TestMemoryController_Concurrent(t *testing.T) {
	m := NewMemoryController(time.Minute, StaticLimit(50))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := m.Check(context.Background(), "playlist", "same-client")
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryController_SweepsExpiredBuckets(t *testing.T) {
	clock := newFakeClock()
	m := NewMemoryController(time.Second, StaticLimit(1), WithClock(clock.Now))

	for i := 0; i < sweepThreshold; i++ {
		_, _ = m.Check(context.Background(), "e", fmt.Sprintf("c%d", i))
	}
	require.Equal(t, sweepThreshold, m.Len())

	clock.Advance(2 * time.Second)
	_, _ = m.Check(context.Background(), "e", "fresh")

	assert.Equal(t, 1, m.Len())
}
