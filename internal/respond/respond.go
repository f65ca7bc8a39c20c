// Package respond writes gateway responses: the uniform JSON error
// envelope and the correlation headers attached to every answer.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"syscall"
	"time"
)

// Kind is the machine-readable error category in an envelope.
type Kind string

const (
	KindRateLimited          Kind = "rate_limited"
	KindConfigFatal          Kind = "config_fatal"
	KindValidationFailed     Kind = "validation_failed"
	KindProxyFailed          Kind = "proxy_failed"
	KindBodyTooLarge         Kind = "body_too_large"
	KindAdmissionUnavailable Kind = "admission_unavailable"
	KindNotFound             Kind = "not_found"
	KindMethodNotAllowed     Kind = "method_not_allowed"
	KindInternal             Kind = "internal_error"
)

// Response headers set by Metadata.
const (
	HeaderRequestID       = "X-Request-Id"
	HeaderBackendHost     = "X-Backend-Host"
	HeaderUpstreamStatus  = "X-Upstream-Status"
	HeaderUpstreamLatency = "X-Upstream-Latency-Ms"
)

// Envelope is the body of every error response.
type Envelope struct {
	Error          Kind         `json:"error"`
	Message        string       `json:"message"`
	RequestID      string       `json:"request_id"`
	Endpoint       string       `json:"endpoint,omitempty"`
	UpstreamStatus int          `json:"upstream_status,omitempty"`
	UpstreamHost   string       `json:"upstream_host,omitempty"`
	DurationMs     int64        `json:"duration_ms"`
	RetryAfter     int          `json:"retry_after,omitempty"`
	Diagnostics    *Diagnostics `json:"diagnostics,omitempty"`
}

// Diagnostics is a structured dump of the failure behind an envelope.
type Diagnostics struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Cause   *Cause `json:"cause,omitempty"`
}

// Cause holds transport-level detail found in the error chain.
type Cause struct {
	Code    string `json:"code,omitempty"`
	Errno   int    `json:"errno,omitempty"`
	Syscall string `json:"syscall,omitempty"`
	Address string `json:"address,omitempty"`
	Port    int    `json:"port,omitempty"`
}

// Meta is the correlation data exposed as response headers.
type Meta struct {
	RequestID       string
	BackendHost     string
	UpstreamStatus  int
	UpstreamLatency time.Duration
	// Dispatched marks a request that was sent upstream. Without an
	// upstream status it is reported as status 0.
	Dispatched bool
}

// Composer writes envelopes. Diagnostics are attached only while the
// diagnostics func reports true; it is consulted on every call.
type Composer struct {
	diagnostics func() bool
	logger      *slog.Logger
}

// NewComposer creates a Composer. A nil diagnostics func disables them.
func NewComposer(diagnostics func() bool, logger *slog.Logger) *Composer {
	if diagnostics == nil {
		diagnostics = func() bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{diagnostics: diagnostics, logger: logger}
}

// Error writes env with the given status. cause feeds the diagnostics
// block and may be nil.
func (c *Composer) Error(w http.ResponseWriter, status int, env Envelope, cause error) {
	if cause != nil && c.diagnostics() {
		env.Diagnostics = Describe(cause)
	}
	if env.RequestID == "" {
		env.RequestID = w.Header().Get(HeaderRequestID)
	}
	if env.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(env.RetryAfter))
	}

	body, err := json.Marshal(env)
	if err != nil {
		c.logger.Error("failed to encode error envelope", "error", err)
		body = []byte(`{"error":"internal_error","message":"failed to encode error"}`)
	}

	h := w.Header()
	h.Set("Content-Type", "application/json; charset=utf-8")
	h.Set("Cache-Control", "no-store")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Del("Content-Encoding")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Metadata sets the correlation headers. Fields that are unknown at the
// time of the call are left unset.
func (c *Composer) Metadata(w http.ResponseWriter, m Meta) {
	h := w.Header()
	if m.RequestID != "" {
		h.Set(HeaderRequestID, m.RequestID)
	}
	if m.BackendHost != "" {
		h.Set(HeaderBackendHost, m.BackendHost)
	}
	if m.UpstreamStatus > 0 || m.Dispatched {
		h.Set(HeaderUpstreamStatus, strconv.Itoa(max(m.UpstreamStatus, 0)))
	}
	if m.UpstreamLatency > 0 {
		h.Set(HeaderUpstreamLatency, strconv.FormatInt(m.UpstreamLatency.Milliseconds(), 10))
	}
}

// Describe builds the diagnostics block for err.
func Describe(err error) *Diagnostics {
	if err == nil {
		return nil
	}
	d := &Diagnostics{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	if c := describeCause(err); c != (Cause{}) {
		d.Cause = &c
	}
	return d
}

func describeCause(err error) Cause {
	var c Cause

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		c.Syscall = opErr.Op
		if opErr.Addr != nil {
			c.Address, c.Port = splitAddr(opErr.Addr.String())
		}
	}

	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		c.Syscall = sysErr.Syscall
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		c.Errno = int(errno)
		c.Code = errnoCode(errno)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		c.Syscall = "getaddrinfo"
		if c.Address == "" {
			c.Address = dnsErr.Name
		}
		switch {
		case dnsErr.IsNotFound:
			c.Code = "ENOTFOUND"
		case dnsErr.IsTimeout, dnsErr.IsTemporary:
			c.Code = "EAI_AGAIN"
		}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && c.Address == "" {
		if u, perr := url.Parse(urlErr.URL); perr == nil {
			c.Address = u.Hostname()
			c.Port, _ = strconv.Atoi(u.Port())
		}
	}

	if c.Code == "" && errors.Is(err, context.DeadlineExceeded) {
		c.Code = "ETIMEDOUT"
	}
	return c
}

func splitAddr(s string) (string, int) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return s, 0
	}
	p, _ := strconv.Atoi(port)
	return host, p
}

var errnoCodes = map[syscall.Errno]string{
	syscall.ECONNREFUSED:  "ECONNREFUSED",
	syscall.ECONNRESET:    "ECONNRESET",
	syscall.ECONNABORTED:  "ECONNABORTED",
	syscall.ETIMEDOUT:     "ETIMEDOUT",
	syscall.EHOSTUNREACH:  "EHOSTUNREACH",
	syscall.ENETUNREACH:   "ENETUNREACH",
	syscall.EPIPE:         "EPIPE",
	syscall.EADDRNOTAVAIL: "EADDRNOTAVAIL",
}

func errnoCode(e syscall.Errno) string {
	if s, ok := errnoCodes[e]; ok {
		return s
	}
	return "E" + strconv.Itoa(int(e))
}
