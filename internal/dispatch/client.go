package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
	"golang.org/x/net/http2"
)

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// HTTPClient sends a single attempt. timeout bounds the whole exchange,
// including reading the body. Failures are *TimeoutError or *NetworkError,
// or the caller's context error when ctx itself ended.
type HTTPClient interface {
	Send(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error)
}

// TimeoutError is an attempt that ran out of time.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("upstream attempt timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// NetworkError is an attempt that failed before a full response arrived.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string { return "upstream network error: " + e.Err.Error() }

func (e *NetworkError) Unwrap() error { return e.Err }

// TransportClient is the production HTTPClient over a pooled transport.
type TransportClient struct {
	rt http.RoundTripper
}

// NewTransportClient builds the pooled upstream transport. HTTPS upstreams
// negotiate HTTP/2 with health-check pings on idle connections.
func NewTransportClient(cfg config.BackendConfig) *TransportClient {
	return &TransportClient{rt: buildTransport(cfg)}
}

// NewClientWithTransport wraps an arbitrary RoundTripper.
func NewClientWithTransport(rt http.RoundTripper) *TransportClient {
	return &TransportClient{rt: rt}
}

func buildTransport(cfg config.BackendConfig) *http.Transport {
	dialTimeout := config.MustParseDuration(cfg.Transport.DialTimeout, 10*time.Second)
	dialKeepAlive := config.MustParseDuration(cfg.Transport.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout := config.MustParseDuration(cfg.Transport.TLSHandshakeTimeout, 10*time.Second)
	idleConnTimeout := config.MustParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 100
	}

	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdle,
		IdleConnTimeout:     idleConnTimeout,
		TLSHandshakeTimeout: tlsHandshakeTimeout,
		DisableCompression:  true,
	}

	if h2, err := http2.ConfigureTransports(t); err == nil {
		h2.ReadIdleTimeout = 30 * time.Second
		h2.PingTimeout = 15 * time.Second
	}
	return t
}

// Send performs one attempt under its own deadline. The deadline is
// released on every return path.
func (c *TransportClient) Send(ctx context.Context, req *http.Request, timeout time.Duration) (*Response, error) {
	attemptCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resp, err := c.rt.RoundTrip(req.WithContext(attemptCtx))
	if err != nil {
		return nil, classify(ctx, attemptCtx, timeout, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, attemptCtx, timeout, err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: body}, nil
}

// classify maps a transport error onto the dispatch error types. The
// caller's own cancellation is passed through untouched.
func classify(parent, attempt context.Context, timeout time.Duration, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	return &NetworkError{Err: err}
}
