package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
)

// deepCheckTimeout bounds each dependency probe of /readyz?deep=true.
const deepCheckTimeout = 2 * time.Second

// Pinger is implemented by dependencies that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker backs the startup, liveness and readiness probes.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu     sync.RWMutex
	checks map[string]Pinger
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{checks: make(map[string]Pinger)}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }
func (h *HealthChecker) SetNotReady()    { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool   { return h.ready.Load() }

// SetDependency registers p under name for deep readiness checks. A nil
// pinger removes the dependency.
func (h *HealthChecker) SetDependency(name string, p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if p == nil {
		delete(h.checks, name)
		return
	}
	h.checks[name] = p
}

// StartzHandler answers 200 once startup has completed.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeProbe(w, http.StatusOK, jsonStarted)
			return
		}
		writeProbe(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler answers 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeProbe(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler answers 200 when ready. With ?deep=true every registered
// dependency is pinged and any failure yields 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeProbe(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeProbe(w, http.StatusOK, jsonReady)
			return
		}

		status, body := h.deepCheck(r.Context())
		writeProbe(w, status, body)
	}
}

func (h *HealthChecker) deepCheck(ctx context.Context) (int, []byte) {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	checks := make(map[string]Pinger, len(h.checks))
	for k, v := range h.checks {
		checks[k] = v
	}
	h.mu.RUnlock()
	sort.Strings(names)

	resp := map[string]string{"status": "ready"}
	code := http.StatusOK
	for _, name := range names {
		pctx, cancel := context.WithTimeout(ctx, deepCheckTimeout)
		err := checks[name].Ping(pctx)
		cancel()
		if err != nil {
			resp[name] = "unreachable"
			resp["status"] = "not_ready"
			code = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "ok"
	}

	body, err := json.Marshal(resp)
	if err != nil {
		return http.StatusServiceUnavailable, jsonNotReady
	}
	return code, body
}

func writeProbe(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
