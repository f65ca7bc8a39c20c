package dispatch

import (
	"errors"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
)

// DefaultSchedule is the delay before attempts 2, 3, 4 and 5+.
var DefaultSchedule = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	2 * time.Second,
}

// DefaultMaxAttempts is used when a Policy has no attempt budget.
const DefaultMaxAttempts = 3

// Outcome describes a finished attempt. Exactly one of Status and Err is
// meaningful: Err is set when no response was received.
type Outcome struct {
	Attempt int
	Status  int
	Err     error
}

// Policy decides how many attempts are made, how long to wait between
// them, and which outcomes are worth retrying. Backoff and Retryable must
// be pure.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(Outcome) bool
}

// ScheduleBackoff returns a Backoff that waits nothing before attempt 1
// and schedule[attempt-2] afterwards, clamped to the last entry.
func ScheduleBackoff(schedule []time.Duration) func(attempt int) time.Duration {
	s := append([]time.Duration(nil), schedule...)
	return func(attempt int) time.Duration {
		if attempt <= 1 || len(s) == 0 {
			return 0
		}
		idx := attempt - 2
		if idx >= len(s) {
			idx = len(s) - 1
		}
		return s[idx]
	}
}

// DefaultRetryable retries network failures, timeouts and 5xx responses.
func DefaultRetryable(o Outcome) bool {
	if o.Err != nil {
		var te *TimeoutError
		var ne *NetworkError
		return errors.As(o.Err, &te) || errors.As(o.Err, &ne)
	}
	return o.Status >= 500 && o.Status <= 599
}

// DefaultPolicy is three attempts on DefaultSchedule.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     ScheduleBackoff(DefaultSchedule),
		Retryable:   DefaultRetryable,
	}
}

// PolicyFromConfig builds the policy for the current backend settings.
func PolicyFromConfig(cfg config.BackendConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if s := cfg.BackoffSchedule(); len(s) > 0 {
		p.Backoff = ScheduleBackoff(s)
	}
	return p
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = ScheduleBackoff(DefaultSchedule)
	}
	if p.Retryable == nil {
		p.Retryable = DefaultRetryable
	}
	return p
}
