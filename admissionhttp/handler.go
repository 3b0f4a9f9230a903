// Package admissionhttp exposes the admission controller over HTTP and
// provides middleware that runs handlers behind the request gate.
package admissionhttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/admission-go/admission"
	"github.com/ggoodman/admission-go/internal/logctx"
	"github.com/google/uuid"
)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	requestIDHeader = "X-Request-Id"
	maxBodyBytes    = 64 << 10
)

// Handler serves the admission API:
//
//	POST   /sessions              admit or queue {"identity": "..."}
//	GET    /sessions/{identity}   the identity's active session
//	DELETE /sessions/{identity}   release the slot or leave the queue
//	GET    /queue                 aggregate queue status
//	GET    /queue/{identity}      the identity's queue position
type Handler struct {
	ctrl *admission.Controller
	log  *slog.Logger
	mux  *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// New returns a Handler serving ctrl.
func New(ctrl *admission.Controller, opts ...Option) *Handler {
	h := &Handler{ctrl: ctrl, log: slog.Default(), mux: http.NewServeMux()}
	for _, opt := range opts {
		opt(h)
	}
	h.mux.HandleFunc("POST /sessions", h.handleCreate)
	h.mux.HandleFunc("GET /sessions/{identity}", h.handleLookup)
	h.mux.HandleFunc("DELETE /sessions/{identity}", h.handleClose)
	h.mux.HandleFunc("GET /queue", h.handleQueueStatus)
	h.mux.HandleFunc("GET /queue/{identity}", h.handlePosition)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, withRequestData(w, r))
}

type createRequest struct {
	Identity string `json:"identity"`
}

type createResponse struct {
	*admission.AdmissionResult
	EstimatedWaitSeconds float64 `json:"estimated_wait_seconds,omitempty"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}

	res, err := h.ctrl.CreateSession(ctx, req.Identity)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}

	status := http.StatusOK
	if res.Status == admission.StatusQueued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, createResponse{AdmissionResult: res, EstimatedWaitSeconds: res.EstimatedWait.Seconds()})
	h.log.InfoContext(ctx, "http.sessions.create.ok",
		slog.String("status", string(res.Status)),
		slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleLookup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sess, err := h.ctrl.Lookup(ctx, r.PathValue("identity"))
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	if sess == nil {
		writeJSONError(w, http.StatusNotFound, "no active session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) handleClose(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.ctrl.CloseSession(ctx, r.PathValue("identity")); err != nil {
		h.writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.sessions.delete.ok")
}

func (h *Handler) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	st, err := h.ctrl.QueueStatus(ctx)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type positionResponse struct {
	Identity string `json:"identity"`
	Position *int   `json:"position"`
}

func (h *Handler) handlePosition(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := r.PathValue("identity")
	pos, ok, err := h.ctrl.Position(ctx, identity)
	if err != nil {
		h.writeError(ctx, w, err)
		return
	}
	resp := positionResponse{Identity: identity}
	if ok {
		resp.Position = &pos
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.ErrorContext(ctx, "http.request.fail", slog.Int("status", status), slog.String("err", err.Error()))
	}
	writeJSONError(w, status, msg)
}

// errorStatus maps admission errors onto HTTP statuses.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, admission.ErrInvalidIdentity):
		return http.StatusBadRequest, "identity must be non-empty"
	case errors.Is(err, admission.ErrNotActive):
		return http.StatusForbidden, "no active session"
	case errors.Is(err, admission.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "admission state unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "request timed out"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "request canceled"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// withRequestData attaches a request id and request attributes for logging.
// An inbound X-Request-Id is kept; otherwise one is generated.
func withRequestData(w http.ResponseWriter, r *http.Request) *http.Request {
	id := r.Header.Get(requestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(requestIDHeader, id)
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
	return r.WithContext(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError emits {"error":{"code":<httpStatus>,"message":"<reason>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
