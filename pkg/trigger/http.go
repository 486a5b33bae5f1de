package trigger

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/daviddao/clockq/pkg/model"
	"github.com/daviddao/clockq/pkg/registry"
	"github.com/daviddao/clockq/pkg/store"
)

// MaxBatch bounds the tasks accepted by one batch request.
const MaxBatch = 1000

// HTTP is the webhook trigger.
type HTTP struct {
	disp    Dispatcher
	metrics http.Handler
	logger  *slog.Logger
	origins []string
}

// CreateTaskResponse is returned by POST /v1/tasks.
type CreateTaskResponse struct {
	ID model.RecordID `json:"id"`
}

// BatchRequest is the body of POST /v1/tasks/batch.
type BatchRequest struct {
	Tasks     []model.NormalizedTask `json:"tasks"`
	StaggerMS int64                  `json:"stagger_ms"`
}

// BatchResponse lists the ids appended, in order. On failure it carries
// the ids appended before the failing task.
type BatchResponse struct {
	IDs   []model.RecordID `json:"ids"`
	Error string           `json:"error,omitempty"`
}

type errorResponse struct {
	Error      string   `json:"error"`
	Violations []string `json:"violations,omitempty"`
}

// NewHTTP returns a webhook trigger. metrics, when non-nil, is served at
// GET /metrics.
func NewHTTP(disp Dispatcher, metrics http.Handler, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{disp: disp, metrics: metrics, logger: logger}
}

// WithCORS allows browser callers from origins ("*" for any).
func (h *HTTP) WithCORS(origins []string) *HTTP {
	h.origins = origins
	return h
}

// Routes returns the router:
//
//	POST /v1/tasks        dispatch one NormalizedTask
//	POST /v1/tasks/batch  dispatch several with a stagger
//	GET  /healthz
//	GET  /metrics         when a metrics handler was given
func (h *HTTP) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if len(h.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: h.origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		}))
	}

	r.Get("/healthz", healthHandler)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Post("/v1/tasks", h.createTask)
	r.Post("/v1/tasks/batch", h.createBatch)
	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *HTTP) createTask(w http.ResponseWriter, r *http.Request) {
	var task model.NormalizedTask
	if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	if task.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "type is required"})
		return
	}
	id, err := h.disp.Dispatch(r.Context(), task)
	if err != nil {
		h.writeDispatchError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateTaskResponse{ID: id})
}

func (h *HTTP) createBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	switch {
	case len(req.Tasks) == 0:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "tasks is empty"})
		return
	case len(req.Tasks) > MaxBatch:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "too many tasks in one batch"})
		return
	case req.StaggerMS < 0:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "stagger_ms must not be negative"})
		return
	}

	ids, err := h.disp.DispatchBatch(r.Context(), req.Tasks, time.Duration(req.StaggerMS)*time.Millisecond)
	if err != nil {
		h.logger.WarnContext(r.Context(), "batch dispatch stopped",
			"dispatched", len(ids), "total", len(req.Tasks), "error", err)
		writeJSON(w, statusFor(err), BatchResponse{IDs: ids, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, BatchResponse{IDs: ids})
}

func (h *HTTP) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error()}
	var verr *registry.PayloadValidationError
	if errors.As(err, &verr) {
		resp.Violations = verr.Violations
	}
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "dispatch failed", "error", err)
	}
	writeJSON(w, status, resp)
}

// statusFor maps dispatch errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrUnknownTaskType):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrPayloadInvalid):
		return http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
