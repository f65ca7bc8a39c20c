package admission

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/redis"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRedis(t *testing.T) (redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{Endpoints: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestController(t *testing.T, client redis.Client, limit int64, policy config.FailurePolicy) (*RedisController, *observability.Metrics) {
	t.Helper()
	m := observability.NewMetrics(prometheus.NewRegistry())
	return NewRedisController(client, RedisOptions{
		Window:        time.Minute,
		Limits:        StaticLimit(limit),
		FailurePolicy: policy,
		KeyPrefix:     "test:",
		Metrics:       m,
		Logger:        testLogger(),
	}), m
}

func TestRedisController_FixedWindow(t *testing.T) {
	ctx := context.Background()

	t.Run("limit+1th request is rejected", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, _ := newTestController(t, client, 2, config.FailurePolicyFailClosed)

		for i := 0; i < 2; i++ {
			d, err := rc.Check(ctx, "playlist", "1.2.3.4")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}

		d, err := rc.Check(ctx, "playlist", "1.2.3.4")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 60, d.RetryAfter)

		got, err := mr.Get("test:playlist:1.2.3.4")
		require.NoError(t, err)
		assert.Equal(t, "2", got, "rejected requests are not counted")
	})

	t.Run("window expiry resets the bucket", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, _ := newTestController(t, client, 1, config.FailurePolicyFailClosed)

		d, _ := rc.Check(ctx, "e", "c")
		require.True(t, d.Allowed)
		d, _ = rc.Check(ctx, "e", "c")
		require.False(t, d.Allowed)

		mr.FastForward(61 * time.Second)

		d, err := rc.Check(ctx, "e", "c")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("retry after tracks remaining TTL", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, _ := newTestController(t, client, 1, config.FailurePolicyFailClosed)

		_, _ = rc.Check(ctx, "e", "c")
		mr.FastForward(45 * time.Second)

		d, err := rc.Check(ctx, "e", "c")
		require.NoError(t, err)
		require.False(t, d.Allowed)
		assert.Equal(t, 15, d.RetryAfter)
	})

	t.Run("zero limit skips redis", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, _ := newTestController(t, client, 0, config.FailurePolicyFailClosed)

		d, err := rc.Check(ctx, "e", "c")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Empty(t, mr.Keys())
	})
}

func TestRedisController_FailurePolicies(t *testing.T) {
	ctx := context.Background()

	t.Run("passthrough admits", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, m := newTestController(t, client, 1, config.FailurePolicyPassThrough)
		mr.Close()

		for i := 0; i < 3; i++ {
			d, err := rc.Check(ctx, "e", "c")
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		assert.Equal(t, int64(3), m.Snapshot().AdmissionErrors)
	})

	t.Run("failclosed returns ErrUnavailable", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, _ := newTestController(t, client, 1, config.FailurePolicyFailClosed)
		mr.Close()

		_, err := rc.Check(ctx, "e", "c")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("inmemoryfallback enforces limits locally", func(t *testing.T) {
		client, mr := newTestRedis(t)
		rc, m := newTestController(t, client, 1, config.FailurePolicyInMemoryFallback)
		mr.Close()

		d, err := rc.Check(ctx, "e", "c")
		require.NoError(t, err)
		assert.True(t, d.Allowed)

		d, err = rc.Check(ctx, "e", "c")
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, int64(2), m.Snapshot().FallbackUsed)
	})

	t.Run("canceled context is returned as is", func(t *testing.T) {
		client, _ := newTestRedis(t)
		rc, m := newTestController(t, client, 1, config.FailurePolicyPassThrough)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := rc.Check(cctx, "e", "c")
		assert.True(t, errors.Is(err, context.Canceled))
		assert.Zero(t, m.Snapshot().AdmissionErrors)
	})
}

func TestRedisController_Close(t *testing.T) {
	client, _ := newTestRedis(t)
	rc, _ := newTestController(t, client, 1, config.FailurePolicyPassThrough)

	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())

	_, err := rc.Check(context.Background(), "e", "c")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestParseWindowReply(t *testing.T) {
	now := time.Now()

	t.Run("allowed", func(t *testing.T) {
		d, err := parseWindowReply([]any{int64(1), int64(3), int64(30000)}, 5, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(2), d.Remaining)
		assert.Equal(t, now.Add(30*time.Second), d.ResetAt)
	})

	t.Run("rejected", func(t *testing.T) {
		d, err := parseWindowReply([]any{int64(0), int64(5), int64(1500)}, 5, now)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, 2, d.RetryAfter)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := parseWindowReply([]any{int64(1)}, 5, now)
		assert.Error(t, err)
		_, err = parseWindowReply("nope", 5, now)
		assert.Error(t, err)
		_, err = parseWindowReply([]any{"x", int64(1), int64(1)}, 5, now)
		assert.Error(t, err)
	})
}
