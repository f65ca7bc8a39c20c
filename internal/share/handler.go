package share

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/playlistgate/playlistgate/internal/respond"
	"github.com/playlistgate/playlistgate/internal/transform"
)

// bodyOverhead allows for the request wrapper around the snapshot and for
// whitespace that compaction removes.
const bodyOverhead = 64 << 10

// Handler serves the share routes. Admission and routing happen upstream
// of it in the gateway.
type Handler struct {
	svc      *Service
	composer *respond.Composer
	logger   *slog.Logger
}

func NewHandler(svc *Service, composer *respond.Composer, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, composer: composer, logger: logger}
}

// RequestInfo describes the gateway request a share call serves. It fills
// the error envelope fields.
type RequestInfo struct {
	ID       string
	Endpoint string
	Started  time.Time
}

// Create handles POST /api/share.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request, info RequestInfo) {
	limit := 2*h.svc.opts.MaxSnapshotBytes + bodyOverhead
	body, err := transform.ReadBody(r.Body, limit)
	if err != nil {
		if errors.Is(err, transform.ErrBodyTooLarge) {
			h.fail(w, http.StatusRequestEntityTooLarge, respond.KindBodyTooLarge, "snapshot too large", info, err)
			return
		}
		h.fail(w, http.StatusBadRequest, respond.KindValidationFailed, "could not read request body", info, err)
		return
	}

	var req CreateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.fail(w, http.StatusBadRequest, respond.KindValidationFailed, "request body must be a JSON object", info, err)
		return
	}

	created, err := h.svc.Create(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, created)
	case errors.Is(err, ErrSnapshotTooLarge):
		h.fail(w, http.StatusRequestEntityTooLarge, respond.KindBodyTooLarge, err.Error(), info, err)
	case errors.Is(err, ErrSnapshotRequired), errors.Is(err, ErrInvalidSnapshot), errors.Is(err, ErrInvalidTTL):
		h.fail(w, http.StatusBadRequest, respond.KindValidationFailed, err.Error(), info, err)
	default:
		h.logger.Error("share create failed", "error", err, "request_id", info.ID)
		h.fail(w, http.StatusInternalServerError, respond.KindInternal, "failed to store snapshot", info, err)
	}
}

// Get handles GET /api/share/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request, id string, info RequestInfo) {
	snap, err := h.svc.Get(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, struct {
			Snapshot json.RawMessage `json:"snapshot"`
		}{Snapshot: snap})
	case errors.Is(err, ErrNotFound):
		h.fail(w, http.StatusNotFound, respond.KindNotFound, err.Error(), info, err)
	case errors.Is(err, ErrCorrupt):
		h.fail(w, http.StatusInternalServerError, respond.KindInternal, err.Error(), info, err)
	default:
		h.logger.Error("share lookup failed", "error", err, "request_id", info.ID)
		h.fail(w, http.StatusInternalServerError, respond.KindInternal, "failed to load snapshot", info, err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, status int, kind respond.Kind, msg string, info RequestInfo, cause error) {
	env := respond.Envelope{
		Error:     kind,
		Message:   msg,
		RequestID: info.ID,
		Endpoint:  info.Endpoint,
	}
	if !info.Started.IsZero() {
		env.DurationMs = time.Since(info.Started).Milliseconds()
	}
	h.composer.Error(w, status, env, cause)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal_error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", transform.JSONContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
