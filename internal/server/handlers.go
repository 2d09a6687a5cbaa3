package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/artifacts"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/service/worker"
	"github.com/ashita-ai/kiroku/internal/stream"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runs                *runs.Service
	artifacts           *artifacts.Service
	publisher           *stream.Publisher
	ws                  *stream.WebSocketHandler
	worker              LocalWorker
	cluster             worker.StatusSource
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Worker, Cluster, CheckOrigin.
type HandlersDeps struct {
	Runs                *runs.Service
	Artifacts           *artifacts.Service
	Publisher           *stream.Publisher
	Worker              LocalWorker
	Cluster             worker.StatusSource
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	CheckOrigin         func(*http.Request) bool
	OpenAPISpec         []byte
}

// NewHandlers creates Handlers from d.
func NewHandlers(d HandlersDeps) *Handlers {
	maxBody := d.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		runs:                d.Runs,
		artifacts:           d.Artifacts,
		publisher:           d.Publisher,
		ws:                  stream.NewWebSocketHandler(d.Publisher, d.CheckOrigin, d.Logger),
		worker:              d.Worker,
		cluster:             d.Cluster,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: maxBody,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:   "ok",
		Version:  h.version,
		Store:    h.runs.Store().Kind(),
		Database: "connected",
		Uptime:   int64(time.Since(h.startedAt).Seconds()),
	}
	status := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.runs.Store().Ping(ctx); err != nil {
		resp.Status = "unhealthy"
		resp.Database = "disconnected"
		status = http.StatusServiceUnavailable
	}
	if h.worker != nil {
		st := h.worker.Status()
		resp.Worker = &st
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "openapi spec not available")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// HandleWorkerStatus handles GET /v1/worker/status.
func (h *Handlers) HandleWorkerStatus(w http.ResponseWriter, r *http.Request) {
	var resp model.WorkerStatusResponse
	if h.worker != nil {
		st := h.worker.Status()
		resp.Local = &st
	}
	if h.cluster != nil {
		cluster, err := h.cluster.List(r.Context())
		if err != nil {
			// The registry is advisory; report what this process knows.
			h.logger.Warn("worker status: list cluster", "error", err)
		} else {
			resp.Cluster = cluster
		}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// --- Shared helpers ---

func pathID(r *http.Request, name string) (int64, error) {
	raw := r.PathValue(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s: %q", model.ErrInvalidInput, name, raw)
	}
	return id, nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, key string, defaultVal int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidInput, key)
	}
	return n, nil
}

// maxQueryOffset prevents absurdly large offsets that cause expensive scans.
const maxQueryOffset = 100_000

func queryOffset(r *http.Request) (int, error) {
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		return 0, err
	}
	return min(max(offset, 0), maxQueryOffset), nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", model.ErrInvalidInput, key)
	}
	return b, nil
}

func (h *Handlers) limitBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxRequestBodyBytes)
}
