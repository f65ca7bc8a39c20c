package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/dispatch"
	"github.com/playlistgate/playlistgate/internal/respond"
	"github.com/playlistgate/playlistgate/internal/target"
	"github.com/playlistgate/playlistgate/internal/transform"
	"github.com/playlistgate/playlistgate/internal/validate"
)

// forward runs the proxy pipeline for a known backend endpoint:
// admission, target, validation, body, dispatch, response.
func (g *Gateway) forward(w *statusWriter, r *http.Request, st *requestState, cfg *config.Config, rule urlRule) {
	if !g.admit(w, r, st) {
		return
	}

	t, err := resolveTarget(cfg)
	if err != nil {
		g.metrics.IncConfigFatal()
		g.logger.Error("backend target rejected", "error", err, "request_id", st.requestID)
		g.fail(w, st, http.StatusInternalServerError, respond.Envelope{
			Error:   respond.KindConfigFatal,
			Message: configFatalMessage(err),
		}, err)
		return
	}
	st.host = t.Host
	g.composer.Metadata(w, respond.Meta{RequestID: st.requestID, BackendHost: t.Host})

	if values, check := rule.urlParams(r.Method, r.URL.Query()); check {
		v := validate.Validator{AllowSecondaryDomain: cfg.Validation.AllowSecondaryDomain}
		if err := v.URLParams(values); err != nil {
			var ve *validate.Error
			stage := validate.StageSyntax
			if errors.As(err, &ve) {
				stage = ve.Stage
			}
			g.metrics.IncValidationFailed(string(stage))
			g.fail(w, st, http.StatusBadRequest, respond.Envelope{
				Error:   respond.KindValidationFailed,
				Message: err.Error(),
			}, nil)
			return
		}
	}

	body, ok := g.readBody(w, r, st, cfg.Backend.MaxRequestBodySize)
	if !ok {
		return
	}

	outbound := transform.Outbound(r.Header, st.requestID)
	addForwardedHeaders(outbound, r)

	res, err := g.dispatcher.Dispatch(r.Context(), dispatch.Request{
		Method:  r.Method,
		URL:     t.EndpointURL(st.endpoint, r.URL.RawQuery),
		Header:  outbound,
		Body:    body,
		Timeout: config.MustParseDuration(cfg.Backend.AttemptTimeout, 120*time.Second),
		Policy:  dispatch.PolicyFromConfig(cfg.Backend),
	})
	if err != nil {
		g.dispatchFailed(w, st, t, err)
		return
	}

	st.attempts = res.Attempts
	dst := w.Header()
	for k, vv := range transform.Inbound(res.Header, len(res.Body)) {
		dst[k] = vv
	}
	g.composer.Metadata(w, respond.Meta{
		RequestID:       st.requestID,
		BackendHost:     t.Host,
		UpstreamStatus:  res.Status,
		UpstreamLatency: res.Latency,
		Dispatched:      true,
	})
	w.WriteHeader(res.Status)
	if _, err := w.Write(res.Body); err != nil {
		g.logger.Debug("client write failed", "error", err, "request_id", st.requestID)
	}
}

func resolveTarget(cfg *config.Config) (*target.Target, error) {
	t, err := target.Resolve(cfg.BackendCandidates())
	if err != nil {
		return nil, err
	}
	if err := target.Guard(t, cfg.Backend.AllowedHosts); err != nil {
		return nil, err
	}
	return t, nil
}

func configFatalMessage(err error) string {
	switch {
	case errors.Is(err, target.ErrNoBackend):
		return "backend url is not configured"
	case errors.Is(err, target.ErrPrivateHost):
		return "backend host points to a private network"
	case errors.Is(err, target.ErrHostNotAllowed):
		return "backend host is not in the allowlist"
	}
	return "backend url is invalid"
}

// readBody buffers the request body so every attempt can replay it.
func (g *Gateway) readBody(w http.ResponseWriter, r *http.Request, st *requestState, limit int64) ([]byte, bool) {
	if limit > 0 && r.ContentLength > limit {
		g.bodyTooLarge(w, st, limit)
		return nil, false
	}
	body, err := transform.ReadBody(r.Body, limit)
	switch {
	case err == nil:
		return body, true
	case errors.Is(err, transform.ErrBodyTooLarge):
		g.bodyTooLarge(w, st, limit)
	case r.Context().Err() != nil:
		st.canceled = true
	default:
		g.fail(w, st, http.StatusBadRequest, respond.Envelope{
			Error:   respond.KindValidationFailed,
			Message: "could not read request body",
		}, err)
	}
	return nil, false
}

func (g *Gateway) bodyTooLarge(w http.ResponseWriter, st *requestState, limit int64) {
	g.fail(w, st, http.StatusRequestEntityTooLarge, respond.Envelope{
		Error:   respond.KindBodyTooLarge,
		Message: fmt.Sprintf("request body exceeds %d bytes", limit),
	}, nil)
}

func (g *Gateway) dispatchFailed(w http.ResponseWriter, st *requestState, t *target.Target, err error) {
	if errors.Is(err, dispatch.ErrCanceled) {
		st.canceled = true
		return
	}

	env := respond.Envelope{
		Error:        respond.KindProxyFailed,
		Message:      "upstream request failed",
		UpstreamHost: t.Host,
	}
	meta := respond.Meta{RequestID: st.requestID, BackendHost: t.Host, Dispatched: true}

	var f *dispatch.Failure
	if errors.As(err, &f) {
		st.attempts = f.Attempts
		env.UpstreamStatus = f.LastStatus
		env.Message = fmt.Sprintf("upstream request failed after %d attempts", f.Attempts)
		meta.UpstreamStatus = f.LastStatus
		meta.UpstreamLatency = f.Latency
	}
	g.logger.Warn("upstream dispatch failed", "error", err, "request_id", st.requestID, "endpoint", st.endpoint)

	g.composer.Metadata(w, meta)
	g.fail(w, st, http.StatusBadGateway, env, err)
}

// addForwardedHeaders records the original client and host for the
// backend.
func addForwardedHeaders(h http.Header, r *http.Request) {
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	if r.Host != "" {
		h.Set("X-Forwarded-Host", r.Host)
	}
}
