// Package admission implements per-endpoint, per-client fixed-window
// admission control. Two interchangeable backends exist: MemoryController
// keeps counters in process, RedisController shares them across replicas
// through an atomic Lua script.
package admission

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrUnavailable is returned when the Redis backend cannot be reached and
// the failure policy is failclosed.
var ErrUnavailable = errors.New("admission backend unavailable")

// Decision is the outcome of a single admission check. A rejection is a
// normal outcome, not an error.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time

	// RetryAfter is the whole number of seconds the client should wait.
	// Always >= 1 when Allowed is false.
	RetryAfter int
}

// Controller decides whether a request from clientKey to endpoint may
// proceed. Implementations are safe for concurrent use.
type Controller interface {
	Check(ctx context.Context, endpoint, clientKey string) (Decision, error)
	Close() error
}

// LimitFunc returns the current per-window limit for endpoint. It is called
// on every check so configuration reloads apply immediately. A limit <= 0
// disables admission control for the endpoint.
type LimitFunc func(endpoint string) int64

// StaticLimit returns a LimitFunc that applies n to every endpoint.
func StaticLimit(n int64) LimitFunc {
	return func(string) int64 { return n }
}

// DefaultWindow is used when a controller is built with a zero window.
const DefaultWindow = 60 * time.Second

// bucketKey joins endpoint and client the same way for both backends.
func bucketKey(endpoint, clientKey string) string {
	return endpoint + ":" + clientKey
}

// retryAfterSeconds is ceil(resetAt - now) in seconds, never below 1.
func retryAfterSeconds(resetAt, now time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(now).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func unlimited() Decision {
	return Decision{Allowed: true, Limit: 0, Remaining: -1}
}
