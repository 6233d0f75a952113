// Package api exposes the workflow trigger surface over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/sitegen/internal/model"
	"github.com/sells-group/sitegen/internal/store"
	"github.com/sells-group/sitegen/internal/workflow"
)

// bodyLimit caps request bodies.
const bodyLimit = 1 << 20

// Workflows is the subset of workflow.Service the API drives.
type Workflows interface {
	Start(ctx context.Context, params model.Params) (string, error)
	Get(ctx context.Context, id string) (*model.Instance, error)
	List(ctx context.Context, filter model.InstanceFilter) ([]model.Instance, error)
	Events(ctx context.Context, id string, limit int) ([]model.AuditEntry, error)
	Resume(ctx context.Context, id string) error
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// Ping reports backend health for /health. Nil means always healthy.
	Ping func(ctx context.Context) error
	// Metrics serves /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler
}

type handlers struct {
	wf   Workflows
	ping func(ctx context.Context) error
}

// NewRouter builds the HTTP handler.
func NewRouter(wf Workflows, opts Options) http.Handler {
	h := &handlers{wf: wf, ping: opts.Ping}

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sites/generate", h.generate)
		r.Get("/workflows", h.list)
		r.Get("/workflows/{id}", h.get)
		r.Get("/workflows/{id}/events", h.events)
		r.Post("/workflows/{id}/resume", h.resume)
	})
	return r
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.ping(ctx); err != nil {
			zap.L().Warn("api: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type generateResponse struct {
	InstanceID string       `json:"instanceId"`
	Status     model.Status `json:"status"`
}

func (h *handlers) generate(w http.ResponseWriter, r *http.Request) {
	params, ok := readJSON[model.Params](w, r)
	if !ok {
		return
	}
	id, err := h.wf.Start(r.Context(), params)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generateResponse{InstanceID: id, Status: model.StatusCollecting})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	inst, err := h.wf.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.InstanceFilter{
		SiteID: q.Get("siteId"),
		OrgID:  q.Get("orgId"),
		Status: model.Status(q.Get("status")),
	}
	var ok bool
	if filter.Limit, ok = intParam(w, r, "limit"); !ok {
		return
	}
	if filter.Offset, ok = intParam(w, r, "offset"); !ok {
		return
	}
	list, err := h.wf.List(r.Context(), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Instance{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) events(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, ok := intParam(w, r, "limit")
	if !ok {
		return
	}
	if _, err := h.wf.Get(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	events, err := h.wf.Events(r.Context(), id, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handlers) resume(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.wf.Resume(r.Context(), id); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"instanceId": id, "status": "resumed"})
}

func intParam(w http.ResponseWriter, r *http.Request, name string) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "workflow instance not found")
	case errors.Is(err, workflow.ErrInstanceRunning):
		writeError(w, http.StatusConflict, "workflow instance is already running")
	default:
		zap.L().Error("api: request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
