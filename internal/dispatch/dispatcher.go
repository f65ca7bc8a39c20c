package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/playlistgate/playlistgate/internal/observability"
)

// ErrCanceled is returned when the caller's context ends before a final
// outcome. Remaining retries are skipped.
var ErrCanceled = errors.New("dispatch canceled")

// FailureKind tells whether the last attempt produced a response.
type FailureKind string

const (
	// FailureTransport means the last attempt had no response.
	FailureTransport FailureKind = "transport"
	// FailureExhausted means every attempt got a retryable status.
	FailureExhausted FailureKind = "exhausted"
)

// StatusError is the cause recorded for an exhausted retryable status.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream responded %d", e.Status)
}

// Failure is a dispatch that ran out of attempts or hit a non-retryable
// transport error.
type Failure struct {
	Kind       FailureKind
	Attempts   int
	LastStatus int
	Cause      error
	Latency    time.Duration
	Host       string
}

func (f *Failure) Error() string {
	if f.Kind == FailureExhausted {
		return fmt.Sprintf("upstream %s failed after %d attempts with status %d", f.Host, f.Attempts, f.LastStatus)
	}
	return fmt.Sprintf("upstream %s unreachable after %d attempts: %v", f.Host, f.Attempts, f.Cause)
}

func (f *Failure) Unwrap() error { return f.Cause }

// Request is one logical upstream call. Body is replayed on every attempt.
type Request struct {
	Method  string
	URL     *url.URL
	Header  http.Header
	Body    []byte
	Timeout time.Duration
	Policy  Policy
}

// Result is the final non-retried upstream response.
type Result struct {
	Status   int
	Header   http.Header
	Body     []byte
	Attempts int
	Latency  time.Duration
	Host     string
}

// Dispatcher runs requests through an HTTPClient under a retry Policy.
type Dispatcher struct {
	client  HTTPClient
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(client HTTPClient, metrics *observability.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		client:  client,
		metrics: metrics,
		logger:  logger,
		tracer:  otel.Tracer("playlistgate/dispatch"),
	}
}

// Dispatch performs up to Policy.MaxAttempts sequential attempts. It
// returns a *Result for the first non-retryable response, a *Failure once
// attempts run out, or an error wrapping ErrCanceled.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Result, error) {
	policy := req.Policy.normalized()
	host := req.URL.Host
	start := time.Now()

	var (
		last     Outcome
		lastResp *Response
	)

	attempt := 0
	for attempt < policy.MaxAttempts {
		attempt++

		if wait := policy.Backoff(attempt); wait > 0 {
			if err := sleep(ctx, wait); err != nil {
				return nil, d.canceled(ctx, attempt-1, host)
			}
		}

		resp, err := d.attempt(ctx, req, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return nil, d.canceled(ctx, attempt, host)
			}
			last, lastResp = Outcome{Attempt: attempt, Err: err}, nil
		} else {
			last, lastResp = Outcome{Attempt: attempt, Status: resp.Status}, resp
			if !policy.Retryable(last) {
				return &Result{
					Status:   resp.Status,
					Header:   resp.Header,
					Body:     resp.Body,
					Attempts: attempt,
					Latency:  time.Since(start),
					Host:     host,
				}, nil
			}
		}

		if !policy.Retryable(last) {
			break
		}
		if attempt < policy.MaxAttempts {
			d.logger.Warn("upstream attempt failed, retrying",
				"attempt", attempt, "status", last.Status, "error", last.Err, "host", host)
		}
	}

	f := &Failure{
		Kind:     FailureTransport,
		Attempts: attempt,
		Cause:    last.Err,
		Latency:  time.Since(start),
		Host:     host,
	}
	if lastResp != nil {
		f.Kind = FailureExhausted
		f.LastStatus = lastResp.Status
		f.Cause = &StatusError{Status: lastResp.Status}
	}
	if d.metrics != nil {
		d.metrics.IncDispatchFailure(string(f.Kind))
	}
	return nil, f
}

func (d *Dispatcher) attempt(ctx context.Context, req Request, n int) (*Response, error) {
	ctx, span := d.tracer.Start(ctx, "upstream.attempt",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.Int("attempt", n),
			attribute.String("http.method", req.Method),
			attribute.String("server.address", req.URL.Host),
		),
	)
	defer span.End()

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := newRequest(ctx, req.Method, req.URL, body)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	for k, vv := range req.Header {
		httpReq.Header[k] = append([]string(nil), vv...)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	started := time.Now()
	resp, err := d.client.Send(ctx, httpReq, req.Timeout)
	elapsed := time.Since(started)

	outcome := "response"
	switch {
	case err == nil:
		span.SetAttributes(attribute.Int("http.status_code", resp.Status))
		if resp.Status >= 500 {
			span.SetStatus(codes.Error, http.StatusText(resp.Status))
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		outcome = "canceled"
	default:
		outcome = "network"
		var te *TimeoutError
		if errors.As(err, &te) {
			outcome = "timeout"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	if d.metrics != nil {
		d.metrics.ObserveAttempt(n, outcome, elapsed)
	}
	return resp, err
}

func (d *Dispatcher) canceled(ctx context.Context, attempts int, host string) error {
	d.logger.Info("upstream dispatch canceled by client", "attempts", attempts, "host", host)
	return fmt.Errorf("%w after %d attempts: %w", ErrCanceled, attempts, context.Cause(ctx))
}

func newRequest(ctx context.Context, method string, u *url.URL, body *bytes.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, u.String(), nil)
	}
	return http.NewRequestWithContext(ctx, method, u.String(), body)
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
