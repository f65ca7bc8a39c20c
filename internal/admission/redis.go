package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/redis"
)

// ErrClosed is returned by Check after Close.
var ErrClosed = errors.New("admission controller is closed")

// fixedWindowLua applies one fixed-window step atomically. Rejected
// requests are not counted. The window expiry is owned by Redis (PTTL),
// so replicas with skewed clocks agree on the reset time.
//
// KEYS[1] = bucket key. ARGV[1] = limit, ARGV[2] = window (ms).
// Returns {allowed (0|1), count, ttl_ms}.
const fixedWindowLua = `
local key    = KEYS[1]
local limit  = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
local ttl   = redis.call('PTTL', key)

if count == 0 or ttl < 0 then
  redis.call('SET', key, 1, 'PX', window)
  return {1, 1, window}
end

if count < limit then
  redis.call('INCR', key)
  return {1, count + 1, ttl}
end

return {0, count, ttl}
`

var fixedWindowScript = redis.NewScript(fixedWindowLua)

// RedisController shares fixed-window counters across gateway replicas.
type RedisController struct {
	client    redis.Client
	window    time.Duration
	limits    LimitFunc
	policy    config.FailurePolicy
	keyPrefix string
	fallback  *MemoryController
	metrics   *observability.Metrics
	logger    *slog.Logger
	closed    atomic.Bool
}

// RedisOptions configures a RedisController.
type RedisOptions struct {
	Window        time.Duration
	Limits        LimitFunc
	FailurePolicy config.FailurePolicy
	KeyPrefix     string
	Metrics       *observability.Metrics
	Logger        *slog.Logger
}

// NewRedisController creates a Redis-backed controller. The in-memory
// fallback is only allocated for the inmemoryfallback policy.
func NewRedisController(client redis.Client, opts RedisOptions) *RedisController {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.FailurePolicyPassThrough
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	rc := &RedisController{
		client:    client,
		window:    opts.Window,
		limits:    opts.Limits,
		policy:    opts.FailurePolicy,
		keyPrefix: opts.KeyPrefix,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
	if rc.policy == config.FailurePolicyInMemoryFallback {
		rc.fallback = NewMemoryController(opts.Window, opts.Limits)
	}
	return rc
}

// Check runs the fixed-window script. When Redis fails, the configured
// failure policy decides the outcome.
func (rc *RedisController) Check(ctx context.Context, endpoint, clientKey string) (Decision, error) {
	if rc.closed.Load() {
		return Decision{}, ErrClosed
	}
	limit := rc.limits(endpoint)
	if limit <= 0 {
		return unlimited(), nil
	}

	now := time.Now()
	key := rc.keyPrefix + bucketKey(endpoint, clientKey)
	res, err := fixedWindowScript.Run(ctx, rc.client, []string{key}, limit, rc.window.Milliseconds())
	if err == nil {
		var d Decision
		if d, err = parseWindowReply(res, limit, now); err == nil {
			return d, nil
		}
	}

	if errors.Is(err, context.Canceled) {
		return Decision{}, err
	}
	return rc.onFailure(ctx, endpoint, clientKey, err)
}

func (rc *RedisController) onFailure(ctx context.Context, endpoint, clientKey string, err error) (Decision, error) {
	if rc.metrics != nil {
		rc.metrics.IncAdmissionErrors()
	}
	rc.logger.Warn("admission backend error",
		"endpoint", endpoint, "policy", rc.policy, "connectivity", redis.IsConnectivityErr(err), "error", err)

	switch rc.policy {
	case config.FailurePolicyFailClosed:
		return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	case config.FailurePolicyInMemoryFallback:
		if rc.metrics != nil {
			rc.metrics.IncFallbackUsed()
		}
		return rc.fallback.Check(ctx, endpoint, clientKey)
	default:
		return unlimited(), nil
	}
}

// Close closes the underlying Redis client. Subsequent checks fail with
// ErrClosed.
func (rc *RedisController) Close() error {
	if rc.closed.Swap(true) {
		return nil
	}
	return rc.client.Close()
}

// parseWindowReply converts the {allowed, count, ttl_ms} script reply.
func parseWindowReply(res any, limit int64, now time.Time) (Decision, error) {
	arr, ok := res.([]any)
	if !ok || len(arr) != 3 {
		return Decision{}, fmt.Errorf("unexpected script reply %T %v", res, res)
	}

	vals := make([]int64, 3)
	for i, v := range arr {
		n, err := toInt64(v)
		if err != nil {
			return Decision{}, fmt.Errorf("parsing reply element %d: %w", i, err)
		}
		vals[i] = n
	}

	resetAt := now.Add(time.Duration(vals[2]) * time.Millisecond)
	if vals[0] == 1 {
		return Decision{Allowed: true, Limit: limit, Remaining: max(limit-vals[1], 0), ResetAt: resetAt}, nil
	}
	return Decision{
		Allowed:    false,
		Limit:      limit,
		ResetAt:    resetAt,
		RetryAfter: retryAfterSeconds(resetAt, now),
	}, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
