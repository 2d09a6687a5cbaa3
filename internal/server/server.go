// Package server implements the kiroku HTTP API: run lifecycle, control
// signals, the event log and its live streams.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/service/artifacts"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/service/worker"
	"github.com/ashita-ai/kiroku/internal/stream"
)

// LocalWorker is the in-process coordinator, when this process runs one.
type LocalWorker interface {
	Status() model.WorkerStatus
	Kick()
}

// Server is the kiroku HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Config holds all dependencies and settings for a Server.
// Optional fields (nil-safe): Worker, Cluster, Limiter, MCPServer.
type Config struct {
	Runs      *runs.Service
	Artifacts *artifacts.Service
	Publisher *stream.Publisher
	Logger    *slog.Logger

	Worker    LocalWorker
	Cluster   worker.StatusSource
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	CORSAllowedOrigins  []string
	RateLimitRetryAfter time.Duration
	OpenAPISpec         []byte

	// Middleware wraps the router inside the built-in chain, outermost first.
	Middleware []func(http.Handler) http.Handler
}

// New creates a server with every route registered.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Runs:                cfg.Runs,
		Artifacts:           cfg.Artifacts,
		Publisher:           cfg.Publisher,
		Worker:              cfg.Worker,
		Cluster:             cfg.Cluster,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		CheckOrigin:         originChecker(cfg.CORSAllowedOrigins),
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	mux.HandleFunc("POST /v1/projects", h.HandleCreateProject)
	mux.HandleFunc("GET /v1/projects", h.HandleListProjects)
	mux.HandleFunc("GET /v1/projects/{project_id}", h.HandleGetProject)

	mux.HandleFunc("POST /v1/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleListEvents)
	mux.HandleFunc("GET /v1/runs/{run_id}/steps", h.HandleListSteps)
	mux.HandleFunc("POST /v1/runs/{run_id}/pause", h.HandlePause)
	mux.HandleFunc("POST /v1/runs/{run_id}/resume", h.HandleResume)
	mux.HandleFunc("POST /v1/runs/{run_id}/stop", h.HandleStop)
	mux.HandleFunc("POST /v1/runs/{run_id}/directives", h.HandleSubmitDirective)
	mux.HandleFunc("GET /v1/runs/{run_id}/artifacts", h.HandleListArtifacts)
	mux.HandleFunc("POST /v1/runs/{run_id}/artifacts", h.HandleRegisterArtifact)

	// Long-lived streams skip the rate limiter.
	mux.HandleFunc("GET /v1/runs/{run_id}/stream", h.HandleStream)
	mux.HandleFunc("GET /v1/runs/{run_id}/ws", h.HandleWebSocket)

	mux.HandleFunc("GET /v1/worker/status", h.HandleWorkerStatus)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → CORS → tracing → logging → recovery →
	// rate limit → custom → handler.
	var handler http.Handler = mux
	for i := len(cfg.Middleware) - 1; i >= 0; i-- {
		handler = cfg.Middleware[i](handler)
	}
	if cfg.Limiter != nil {
		reqIDFunc := func(r *http.Request) string { return ctxutil.RequestIDFromContext(r.Context()) }
		handler = ratelimit.Middleware(cfg.Limiter, rateLimitKey, cfg.RateLimitRetryAfter, reqIDFunc, cfg.Logger)(handler)
	}
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = corsMiddleware(cfg.CORSAllowedOrigins, handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	// Request contexts derive from base, which is canceled as soon as
	// Shutdown begins so open streams end instead of holding the drain.
	base, cancelBase := context.WithCancel(context.Background())
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	httpServer.RegisterOnShutdown(cancelBase)

	return &Server{
		httpServer: httpServer,
		handler:    handler,
		handlers:   h,
		logger:     cfg.Logger,
	}
}

// rateLimitKey keys by client IP and exempts streams and MCP sessions.
func rateLimitKey(r *http.Request) string {
	if isStreamPath(r) || r.URL.Path == "/mcp" {
		return ""
	}
	return ratelimit.IPKeyFunc(r)
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting connections, ends open streams and waits for
// in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
