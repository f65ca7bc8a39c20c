// Package gateway is the request pipeline in front of the playlist
// backend: admission, target resolution, input validation, header
// transformation, dispatch with retries and response composition, plus
// the share routes.
package gateway

import (
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/playlistgate/playlistgate/internal/admission"
	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/dispatch"
	"github.com/playlistgate/playlistgate/internal/events"
	"github.com/playlistgate/playlistgate/internal/observability"
	"github.com/playlistgate/playlistgate/internal/redis"
	"github.com/playlistgate/playlistgate/internal/respond"
	"github.com/playlistgate/playlistgate/internal/share"
)

var tracer = otel.Tracer("playlistgate/gateway")

// statusClientClosedRequest is logged when the client went away before a
// response was written. It is never sent.
const statusClientClosedRequest = 499

// Deps are the collaborators of a Gateway. Zero values select the
// production defaults derived from the config.
type Deps struct {
	// Redis is required when admission.backend is redis.
	Redis redis.Client
	// Admission overrides the backend selected by the config.
	Admission admission.Controller
	// Client overrides the pooled upstream transport.
	Client dispatch.HTTPClient
	// Share enables the share routes.
	Share   *share.Service
	Events  *events.Emitter
	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Gateway is the main http.Handler.
type Gateway struct {
	cfg atomic.Pointer[config.Config]

	admission  admission.Controller
	keys       *admission.KeyExtractor
	dispatcher *dispatch.Dispatcher
	composer   *respond.Composer
	share      *share.Handler
	emitter    *events.Emitter
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// New builds a Gateway for cfg.
func New(cfg *config.Config, deps Deps) (*Gateway, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}

	keys, err := admission.NewKeyExtractor(cfg.Admission.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("admission key extractor: %w", err)
	}

	g := &Gateway{
		keys:    keys,
		emitter: deps.Events,
		metrics: metrics,
		logger:  logger,
	}
	g.cfg.Store(cfg)
	g.composer = respond.NewComposer(func() bool { return g.cfg.Load().Diagnostics.Enabled }, logger)

	g.admission = deps.Admission
	if g.admission == nil {
		g.admission, err = NewController(cfg, deps.Redis, g.limitFor, metrics, logger)
		if err != nil {
			return nil, err
		}
	}

	client := deps.Client
	if client == nil {
		client = dispatch.NewTransportClient(cfg.Backend)
	}
	g.dispatcher = dispatch.NewDispatcher(client, metrics, logger)

	if deps.Share != nil {
		g.share = share.NewHandler(deps.Share, g.composer, logger)
	}
	return g, nil
}

func (g *Gateway) limitFor(endpoint string) int64 {
	return g.cfg.Load().Admission.LimitFor(endpoint)
}

// Config returns the live configuration.
func (g *Gateway) Config() *config.Config { return g.cfg.Load() }

// Reload swaps in newCfg for subsequent requests. Fields listed by
// RequiresRestart are stored but keep their startup effect.
func (g *Gateway) Reload(newCfg *config.Config) {
	if changed := newCfg.RequiresRestart(g.cfg.Load()); len(changed) > 0 {
		g.logger.Warn("reloaded config changes fields that need a restart to apply", "fields", changed)
	}
	g.cfg.Store(newCfg)
	g.logger.Info("gateway config reloaded",
		"max_attempts", newCfg.Backend.MaxAttempts,
		"attempt_timeout", newCfg.Backend.AttemptTimeout,
		"diagnostics", newCfg.Diagnostics.Enabled)
}

// Close releases the admission backend.
func (g *Gateway) Close() error {
	return g.admission.Close()
}

// requestState follows one request through the pipeline.
type requestState struct {
	requestID string
	endpoint  string
	started   time.Time
	admitted  bool
	attempts  int
	host      string
	errKind   respond.Kind
	canceled  bool
}

func (st *requestState) shareInfo() share.RequestInfo {
	return share.RequestInfo{ID: st.requestID, Endpoint: st.endpoint, Started: st.started}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st := &requestState{started: time.Now()}
	sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}

	st.requestID = r.Header.Get(respond.HeaderRequestID)
	if !validRequestID(st.requestID) {
		st.requestID = generateRequestID()
	}
	sw.Header().Set(respond.HeaderRequestID, st.requestID)

	ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	ctx, span := tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("request_id", st.requestID),
		),
	)
	r = r.WithContext(ctx)

	defer func() {
		if p := recover(); p != nil {
			if p == http.ErrAbortHandler {
				panic(p)
			}
			g.logger.Error("panic while serving request",
				"panic", p, "request_id", st.requestID, "stack", string(debug.Stack()))
			if !sw.written {
				g.fail(sw, st, http.StatusInternalServerError, respond.Envelope{
					Error:   respond.KindInternal,
					Message: "internal error",
				}, fmt.Errorf("panic: %v", p))
			}
		}
		status := g.finish(sw, r, st)
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, string(st.errKind))
		}
		span.End()
	}()

	g.route(sw, r, st)
}

func (g *Gateway) route(w *statusWriter, r *http.Request, st *requestState) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/")
	if !ok || rest == "" {
		g.notFound(w, st)
		return
	}
	cfg := g.cfg.Load()

	switch {
	case rest == "share":
		st.endpoint = shareCreateEndpoint
		if !g.shareEnabled(cfg) {
			g.notFound(w, st)
			return
		}
		if r.Method != http.MethodPost {
			g.methodNotAllowed(w, st, http.MethodPost)
			return
		}
		if g.admit(w, r, st) {
			g.share.Create(w, r, st.shareInfo())
		}

	case strings.HasPrefix(rest, "share/"):
		st.endpoint = shareGetEndpoint
		id := strings.TrimPrefix(rest, "share/")
		if !g.shareEnabled(cfg) || id == "" || strings.Contains(id, "/") {
			g.notFound(w, st)
			return
		}
		if r.Method != http.MethodGet {
			g.methodNotAllowed(w, st, http.MethodGet)
			return
		}
		if g.admit(w, r, st) {
			g.share.Get(w, r, id, st.shareInfo())
		}

	default:
		endpoint := strings.TrimSuffix(rest, "/")
		rule, known := forwardEndpoints[endpoint]
		if !known {
			g.notFound(w, st)
			return
		}
		st.endpoint = endpoint
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			g.methodNotAllowed(w, st, "GET, POST")
			return
		}
		g.forward(w, r, st, cfg, rule)
	}
}

func (g *Gateway) shareEnabled(cfg *config.Config) bool {
	return g.share != nil && cfg.Share.Enabled
}

// admit runs admission control for st.endpoint and writes the rejection
// when the request may not proceed.
func (g *Gateway) admit(w http.ResponseWriter, r *http.Request, st *requestState) bool {
	ctx, span := tracer.Start(r.Context(), "admission.check",
		trace.WithAttributes(attribute.String("endpoint", st.endpoint)))
	defer span.End()

	dec, err := g.admission.Check(ctx, st.endpoint, g.keys.Extract(r))
	if err != nil {
		if r.Context().Err() != nil {
			st.canceled = true
			return false
		}
		span.RecordError(err)
		g.logger.Warn("admission check failed", "error", err, "endpoint", st.endpoint, "request_id", st.requestID)
		g.fail(w, st, http.StatusServiceUnavailable, respond.Envelope{
			Error:   respond.KindAdmissionUnavailable,
			Message: "rate limiting is temporarily unavailable",
		}, err)
		return false
	}

	setRateLimitHeaders(w, dec)
	span.SetAttributes(attribute.Bool("allowed", dec.Allowed))
	if !dec.Allowed {
		g.metrics.IncRejected(st.endpoint)
		g.fail(w, st, http.StatusTooManyRequests, respond.Envelope{
			Error:      respond.KindRateLimited,
			Message:    "too many requests, retry later",
			RetryAfter: dec.RetryAfter,
		}, nil)
		return false
	}

	st.admitted = true
	g.metrics.IncAdmitted(st.endpoint)
	return true
}

func setRateLimitHeaders(w http.ResponseWriter, dec admission.Decision) {
	if dec.Limit <= 0 {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.FormatInt(dec.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(max(dec.Remaining, 0), 10))
	reset := int64(math.Ceil(time.Until(dec.ResetAt).Seconds()))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(max(reset, 0), 10))
}

func (g *Gateway) notFound(w http.ResponseWriter, st *requestState) {
	g.fail(w, st, http.StatusNotFound, respond.Envelope{
		Error:   respond.KindNotFound,
		Message: "no such endpoint",
	}, nil)
}

func (g *Gateway) methodNotAllowed(w http.ResponseWriter, st *requestState, allow string) {
	w.Header().Set("Allow", allow)
	g.fail(w, st, http.StatusMethodNotAllowed, respond.Envelope{
		Error:   respond.KindMethodNotAllowed,
		Message: "method not allowed",
	}, nil)
}

// fail writes an envelope carrying the request's correlation fields.
func (g *Gateway) fail(w http.ResponseWriter, st *requestState, status int, env respond.Envelope, cause error) {
	st.errKind = env.Error
	env.RequestID = st.requestID
	env.Endpoint = st.endpoint
	env.DurationMs = time.Since(st.started).Milliseconds()
	g.composer.Error(w, status, env, cause)
}

// finish records the request and returns the status it ended with.
func (g *Gateway) finish(sw *statusWriter, r *http.Request, st *requestState) int {
	status := sw.code
	if !sw.written && st.canceled {
		status = statusClientClosedRequest
	}
	elapsed := time.Since(st.started)

	label := st.endpoint
	if label == "" {
		label = "unknown"
	}
	g.metrics.ObserveRequest(label, status, elapsed)

	g.logger.Info("access",
		"request_id", st.requestID,
		"method", r.Method,
		"path", r.URL.Path,
		"endpoint", label,
		"status", status,
		"attempts", st.attempts,
		"duration_ms", elapsed.Milliseconds(),
		"remote", r.RemoteAddr)

	g.emitter.Emit(events.OutcomeEvent{
		RequestID: st.requestID,
		Endpoint:  label,
		Method:    r.Method,
		Status:    status,
		Admitted:  st.admitted,
		Attempts:  st.attempts,
		ErrorKind: string(st.errKind),
		LatencyMs: elapsed.Milliseconds(),
	})
	return status
}

// statusWriter captures the status code written by the pipeline.
type statusWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.code = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.written {
		sw.code = http.StatusOK
		sw.written = true
	}
	return sw.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (sw *statusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}
