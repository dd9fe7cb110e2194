package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/crosslink/internal/domain"
	"github.com/ramiqadoumi/crosslink/internal/hub"
	"github.com/ramiqadoumi/crosslink/internal/queue"
	"github.com/ramiqadoumi/crosslink/internal/stats"
	"github.com/ramiqadoumi/crosslink/internal/version"
)

const serviceName = "crosslink"

// REST handles HTTP requests for the task queue and the stats relay.
type REST struct {
	queue  *queue.Queue
	stats  *stats.Collector
	hub    *hub.Hub
	logger *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(q *queue.Queue, c *stats.Collector, h *hub.Hub, logger *slog.Logger) *REST {
	return &REST{queue: q, stats: c, hub: h, logger: logger}
}

// SubmitTaskResponse is the 201 response body.
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// PendingTasksResponse is the GET /tasks/pending/{machine} response body.
type PendingTasksResponse struct {
	Machine      string         `json:"machine"`
	PendingCount int            `json:"pending_count"`
	Tasks        []*domain.Task `json:"tasks"`
}

// CompleteTaskResponse is the POST /tasks/{id}/complete response body.
type CompleteTaskResponse struct {
	Status string `json:"status"`
	TaskID string `json:"task_id"`
}

// IngestResponse is the POST /stats/{role} response body.
type IngestResponse struct {
	Status  string               `json:"status"`
	Machine domain.Role          `json:"machine"`
	Data    *domain.MachineStats `json:"data"`
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status          string `json:"status"`
	HasLocalStats   bool   `json:"has_local_stats"`
	HasRemoteStats  bool   `json:"has_remote_stats"`
	SubscriberCount int    `json:"subscriber_count"`
}

// BannerResponse is the GET / response body.
type BannerResponse struct {
	Service  string        `json:"service"`
	Version  string        `json:"version"`
	Machines []domain.Role `json:"machines"`
	Status   string        `json:"status"`
}

// Banner handles GET /.
func (h *REST) Banner(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BannerResponse{
		Service:  serviceName,
		Version:  version.Version,
		Machines: domain.Roles(),
		Status:   "running",
	})
}

// SubmitTask handles POST /tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("http").Start(r.Context(), "http.submit_task")
	defer span.End()

	var req queue.SubmitRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	task, err := h.queue.Submit(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, "submit failed")
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("task.id", task.ID))

	writeJSON(w, http.StatusCreated, SubmitTaskResponse{
		TaskID: task.ID,
		Status: string(task.Status),
	})
}

// ListPending handles GET /tasks/pending/{machine}.
func (h *REST) ListPending(w http.ResponseWriter, r *http.Request) {
	machine := chi.URLParam(r, "machine")
	tasks, err := h.queue.ListPending(r.Context(), machine)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PendingTasksResponse{
		Machine:      machine,
		PendingCount: len(tasks),
		Tasks:        tasks,
	})
}

// GetTask handles GET /tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// CompleteTask handles POST /tasks/{id}/complete. An empty body completes
// the task with neither result nor error.
func (h *REST) CompleteTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("http").Start(r.Context(), "http.complete_task")
	defer span.End()

	taskID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("task.id", taskID))

	var req queue.CompleteRequest
	if !decodeBody(w, r, &req, true) {
		return
	}

	task, err := h.queue.Complete(ctx, taskID, req)
	if err != nil {
		span.SetStatus(codes.Error, "complete failed")
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CompleteTaskResponse{
		Status: string(task.Status),
		TaskID: task.ID,
	})
}

// ListTasks handles GET /tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	summary, err := h.queue.ListAll(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// AllStats handles GET /stats. The local machine is sampled first.
func (h *REST) AllStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.stats.Snapshot(r.Context()))
}

// RoleStats handles GET /stats/{role}. The local role is sampled on every
// call; a remote role returns whatever it last pushed.
func (h *REST) RoleStats(w http.ResponseWriter, r *http.Request) {
	role, err := domain.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if role == h.stats.LocalRole() {
		rec, err := h.stats.RefreshLocal(r.Context())
		if err != nil {
			h.logger.Error("local stats unavailable", slog.String("error", err.Error()))
			writeError(w, http.StatusServiceUnavailable, "local stats unavailable")
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	rec, ok := h.stats.Stored(role)
	if !ok {
		writeError(w, http.StatusNotFound, "no stats received from "+string(role))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// IngestStats handles POST /stats/{role}: a remote collector pushes its
// self-report in any supported shape. Subscribers get the new snapshot
// before the response is written.
func (h *REST) IngestStats(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("http").Start(r.Context(), "http.ingest_stats")
	defer span.End()

	role, err := domain.ParseRole(chi.URLParam(r, "role"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	span.SetAttributes(attribute.String("stats.machine", string(role)))

	var payload map[string]any
	if !decodeBody(w, r, &payload, false) {
		return
	}

	rec, err := h.stats.Ingest(role, payload)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	delivered := h.hub.Broadcast(ctx, hub.TriggerPush)
	span.SetAttributes(attribute.Int("hub.delivered", delivered))

	writeJSON(w, http.StatusOK, IngestResponse{
		Status:  "received",
		Machine: role,
		Data:    rec,
	})
}

// Health handles GET /health.
func (h *REST) Health(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:          "healthy",
		HasLocalStats:   h.stats.Has(h.stats.LocalRole()),
		SubscriberCount: h.hub.Count(),
	}
	for _, role := range domain.Roles() {
		if h.stats.IsRemote(role) && h.stats.Has(role) {
			resp.HasRemoteStats = true
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Readyz handles GET /readyz and checks the task store.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.queue.Ping(ctx); err != nil {
		h.logger.Warn("task store not ready", slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "task store not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		validation *domain.ValidationError
		notFound   *domain.TaskNotFoundError
		completed  *domain.TaskAlreadyCompletedError
		limited    *domain.RateLimitExceededError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusUnprocessableEntity, validation.Error())
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, notFound.Error())
	case errors.As(err, &completed):
		writeError(w, http.StatusConflict, completed.Error())
	case errors.As(err, &limited):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, limited.Error())
	default:
		h.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeBody reads a JSON body into dst. It writes the error response and
// returns false when the body is unusable. allowEmpty accepts a missing body.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (allowEmpty && errors.Is(err, io.EOF)) {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return false
	}
	// Well-formed JSON with a field of the wrong type is a validation
	// failure, not a malformed body.
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		writeError(w, http.StatusUnprocessableEntity,
			(&domain.ValidationError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String() + ", got " + typeErr.Value}).Error())
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body")
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
