// Package kiroku is the public API for embedding the kiroku run orchestrator.
//
// Consumers import this package to construct the server, plug in their own
// step executors and run it without forking:
//
//	app, err := kiroku.New(
//	    kiroku.WithVersion(version),
//	    kiroku.WithLogger(logger),
//	    kiroku.WithExecutor(kiroku.RunTypeWorkflow, myExecutor{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph keeps one direction: kiroku (root) imports internal/*,
// internal/* never imports kiroku. Public types (Run, StepInput, etc.) are
// standalone structs; conversion helpers live in this file because it is the
// only one that sees both sides of the boundary.
package kiroku

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiroku/api"
	"github.com/ashita-ai/kiroku/internal/config"
	"github.com/ashita-ai/kiroku/internal/mcp"
	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/ratelimit"
	"github.com/ashita-ai/kiroku/internal/server"
	"github.com/ashita-ai/kiroku/internal/service/artifacts"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/service/worker"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/storage/sqlite"
	"github.com/ashita-ai/kiroku/internal/stream"
	"github.com/ashita-ai/kiroku/internal/telemetry"
	"github.com/ashita-ai/kiroku/migrations"
)

// App is the kiroku process lifecycle. Construct with New(), run with Run().
type App struct {
	cfg     config.Config
	role    Role
	store   storage.Store
	closeDB func(context.Context) error

	runs      *runs.Service
	artifacts *artifacts.Service
	mcp       *mcp.Server

	publisher *stream.Publisher
	listener  stream.Listener // nil unless Postgres has a notify connection
	worker    *worker.Coordinator
	srv       *server.Server
	limiter   ratelimit.Limiter
	redis     *redis.Client

	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises kiroku. It loads configuration, opens the store, applies
// migrations and wires every subsystem the role needs. It does NOT start
// any goroutines or accept HTTP connections: call Run().
func New(opts ...Option) (*App, error) {
	ctx := context.Background()

	o := resolvedOptions{role: RoleServer}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	cfg, err := loadConfig(o)
	if err != nil {
		return nil, err
	}

	logger.Info("kiroku starting", "version", version, "role", o.role, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:    cfg.OTELEndpoint,
		Insecure:    cfg.OTELInsecure,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Role:        string(o.role),
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	a := &App{
		cfg:          cfg,
		role:         o.role,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}
	if err := a.build(ctx, o); err != nil {
		a.cleanup(ctx)
		return nil, err
	}
	return a, nil
}

// loadConfig reads .env and the environment, then applies option overrides.
func loadConfig(o resolvedOptions) (config.Config, error) {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if o.store == "" {
			cfg.Store = config.StorePostgres
		}
	}
	if o.store != "" {
		cfg.Store = o.store
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	if o.workerID != "" {
		cfg.WorkerID = o.workerID
	}
	if o.workerEnabled != nil {
		cfg.WorkerEnabled = *o.workerEnabled
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func (a *App) build(ctx context.Context, o resolvedOptions) error {
	if err := a.openStore(ctx, o); err != nil {
		return err
	}

	a.runs = runs.New(a.store, a.logger)
	a.artifacts = artifacts.New(a.store, a.logger)
	a.mcp = mcp.New(a.runs, a.artifacts, a.logger, a.version)

	if a.role == RoleMCP {
		return nil
	}

	var statusRegistry *worker.RedisStatusRegistry
	if a.cfg.RedisURL != "" {
		client, err := dialRedis(ctx, a.cfg.RedisURL)
		if err != nil {
			return err
		}
		a.redis = client
		statusRegistry = worker.NewRedisStatusRegistry(client, a.cfg.WorkerStatusTTL, worker.WithRegistryLogger(a.logger))
		a.logger.Info("redis: enabled (rate limiter, worker registry)")
	}

	if a.role == RoleWorker || a.cfg.WorkerEnabled {
		var wopts []worker.Option
		if statusRegistry != nil {
			wopts = append(wopts, worker.WithStatusSink(statusRegistry))
		}
		a.worker = worker.New(a.runs, newRegistry(o.executors), worker.Config{
			WorkerID:          a.cfg.WorkerID,
			PollInterval:      a.cfg.WorkerInterval,
			BatchSize:         a.cfg.WorkerBatchSize,
			Concurrency:       a.cfg.WorkerConcurrency,
			LeaseDuration:     a.cfg.LeaseDuration,
			HeartbeatInterval: a.cfg.HeartbeatInterval,
			Policy: worker.StepPolicy{
				MaxAttempts: a.cfg.StepMaxAttempts,
				MaxSteps:    a.cfg.MaxSteps,
			},
		}, a.logger, wopts...)
	} else {
		a.logger.Info("worker: disabled in this process")
	}

	if a.role == RoleWorker {
		return nil
	}

	a.limiter = a.newLimiter()

	middlewares := make([]func(http.Handler) http.Handler, 0, len(o.middlewares))
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, mw)
	}

	cfg := server.Config{
		Runs:                a.runs,
		Artifacts:           a.artifacts,
		Publisher:           a.publisher,
		Logger:              a.logger,
		Limiter:             a.limiter,
		MCPServer:           a.mcp.MCPServer(),
		Port:                a.cfg.Port,
		ReadTimeout:         a.cfg.ReadTimeout,
		WriteTimeout:        a.cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: a.cfg.MaxRequestBodyBytes,
		CORSAllowedOrigins:  a.cfg.CORSAllowedOrigins,
		OpenAPISpec:         api.OpenAPISpec,
		Middleware:          middlewares,
	}
	// Leave the interfaces nil rather than typed-nil when absent.
	if a.worker != nil {
		cfg.Worker = a.worker
	}
	if statusRegistry != nil {
		cfg.Cluster = statusRegistry
	}
	a.srv = server.New(cfg)
	return nil
}

// openStore connects the configured backend and the stream publisher that
// reads from it.
func (a *App) openStore(ctx context.Context, o resolvedOptions) error {
	switch a.cfg.Store {
	case config.StorePostgres:
		db, err := openPostgres(ctx, a.cfg, o, a.logger)
		if err != nil {
			return err
		}
		a.store = db
		a.closeDB = func(ctx context.Context) error { db.Close(ctx); return nil }

		var popts []stream.Option
		if db.HasNotifyConn() {
			a.listener = db
		} else {
			a.logger.Info("stream: no notify connection, polling", "interval", a.cfg.StreamPollInterval)
			popts = append(popts, stream.WithPollInterval(a.cfg.StreamPollInterval))
		}
		a.publisher = stream.New(db, a.logger, append(popts, stream.WithKeepalive(a.cfg.StreamKeepalive))...)

	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, a.cfg.SQLitePath, a.logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		a.store = st
		a.closeDB = func(context.Context) error { return st.Close() }

		// Commits in this process wake streams directly. Other processes
		// sharing the file are only seen by polling.
		a.publisher = stream.New(st, a.logger,
			stream.WithKeepalive(a.cfg.StreamKeepalive),
			stream.WithPollInterval(a.cfg.StreamPollInterval),
		)
		st.AddNotifier(a.publisher.Publish)

	default:
		return fmt.Errorf("storage: unknown store %q", a.cfg.Store)
	}
	return nil
}

func openPostgres(ctx context.Context, cfg config.Config, o resolvedOptions, logger *slog.Logger) (*storage.DB, error) {
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.NotifyURL, logger,
		storage.WithApplicationName("kiroku-"+string(o.role)),
		storage.WithMaxConns(int32(cfg.DBMaxConns)),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	db.RegisterPoolMetrics()

	sources := append([]fs.FS{migrations.FS}, o.extraMigrations...)
	if err := db.RunMigrations(ctx, sources...); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

func dialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

func (a *App) newLimiter() ratelimit.Limiter {
	switch {
	case !a.cfg.RateLimitEnabled:
		a.logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}
	case a.redis != nil:
		limit := max(int(math.Ceil(a.cfg.RateLimitRPS*a.cfg.RateLimitWindow.Seconds())), 1)
		a.logger.Info("rate limiting: redis (sliding window)",
			"limit", limit, "window", a.cfg.RateLimitWindow)
		return ratelimit.NewRedisLimiter(a.redis, limit, a.cfg.RateLimitWindow, a.logger)
	default:
		a.logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", a.cfg.RateLimitRPS, "burst", a.cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(a.cfg.RateLimitRPS, a.cfg.RateLimitBurst)
	}
}

// newRegistry binds the built-in simulated executor to "simple" runs, then
// applies caller registrations on top.
func newRegistry(executors map[string]Executor) *worker.Registry {
	reg := worker.NewRegistry()
	reg.Register(model.RunTypeSimple, worker.SimulatedExecutor{Steps: 3, Delay: time.Second})
	for runType, e := range executors {
		reg.Register(runType, &executorAdapter{exec: e})
	}
	return reg
}

// Run starts background work and the HTTP server for the App's role, then
// blocks until ctx is cancelled or a fatal error occurs. On return, Shutdown
// has already run; callers should not call it separately.
func (a *App) Run(ctx context.Context) error {
	if a.role == RoleMCP {
		return errors.New("kiroku: RoleMCP apps are served with ServeMCP")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.listener != nil && a.srv != nil {
		g.Go(func() error {
			a.publisher.Start(gctx, a.listener)
			return nil
		})
	}
	// In-flight runs are interrupted by Drain, not by ctx, so HTTP drains first.
	if a.worker != nil {
		a.worker.Start(context.WithoutCancel(ctx))
	}
	if a.srv != nil {
		g.Go(func() error {
			a.idempotencyCleanupLoop(gctx)
			return nil
		})
		g.Go(func() error {
			if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown(context.Background())
	})

	return g.Wait()
}

// idempotencyCleanupLoop expires replay records and abandoned
// Idempotency-Key reservations.
func (a *App) idempotencyCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.IdempotencyCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			opCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			deleted, err := a.store.CleanupIdempotencyKeys(opCtx, a.cfg.IdempotencyCompletedTTL, a.cfg.IdempotencyAbandonedTTL)
			cancel()
			if err != nil {
				a.logger.Warn("idempotency cleanup failed", "error", err)
				continue
			}
			if deleted > 0 {
				a.logger.Info("idempotency cleanup deleted keys", "deleted", deleted)
			}
		}
	}
}

// ServeMCP serves the MCP tool surface over stdio until ctx is cancelled or
// in reaches EOF, then closes the store.
func (a *App) ServeMCP(ctx context.Context, in io.Reader, out io.Writer) error {
	stdio := mcpserver.NewStdioServer(a.mcp.MCPServer())
	stdio.SetErrorLogger(slog.NewLogLogger(a.logger.Handler(), slog.LevelError))
	err := stdio.Listen(ctx, in, out)
	if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
		err = nil
	}
	a.cleanup(context.Background())
	return err
}

// Shutdown performs a phased graceful shutdown:
// (1) stop accepting HTTP requests, end streams and drain in-flight requests,
// (2) interrupt and release the runs this worker owns so others can adopt them.
// It then closes Redis, the store and the OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kiroku shutting down")

	var errs []error
	if a.srv != nil {
		httpCtx, httpCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownHTTPTimeout)
		if err := a.srv.Shutdown(httpCtx); err != nil {
			a.logger.Error("http shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		httpCancel()
	}

	if a.worker != nil {
		workerCtx, workerCancel := contextWithOptionalTimeout(ctx, a.cfg.ShutdownWorkerTimeout)
		a.worker.Drain(workerCtx)
		workerCancel()
	}

	a.cleanup(ctx)
	a.logger.Info("kiroku stopped")
	return errors.Join(errs...)
}

// cleanup releases everything New acquired. Safe on a partially built App.
func (a *App) cleanup(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.closeDB != nil {
		if err := a.closeDB(ctx); err != nil {
			a.logger.Warn("store close error", "error", err)
		}
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// Handler returns the root HTTP handler, or nil for roles without one.
func (a *App) Handler() http.Handler {
	if a.srv == nil {
		return nil
	}
	return a.srv.Handler()
}

// Migrate applies the Postgres migrations, or creates the SQLite schema,
// and returns. It starts nothing else.
func Migrate(ctx context.Context, opts ...Option) error {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}

	switch cfg.Store {
	case config.StorePostgres:
		db, err := openPostgres(ctx, cfg, o, logger)
		if err != nil {
			return err
		}
		db.Close(ctx)
	case config.StoreSQLite:
		st, err := sqlite.Open(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return fmt.Errorf("storage: %w", err)
		}
		if err := st.Close(); err != nil {
			return fmt.Errorf("storage: close: %w", err)
		}
	}
	logger.Info("migrations applied", "store", cfg.Store)
	return nil
}

// Permanent marks err so the worker fails the run without retrying the step.
func Permanent(err error) error {
	return worker.Permanent(err)
}

// ── Adapters ───────────────────────────────────────────────────────────────

// executorAdapter wraps a public kiroku.Executor to satisfy worker.Executor.
type executorAdapter struct {
	exec Executor
}

func (a *executorAdapter) ExecuteStep(ctx context.Context, in worker.StepInput) (worker.StepResult, error) {
	res, err := a.exec.ExecuteStep(ctx, StepInput{
		Run:        toPublicRun(in.Run),
		Index:      in.Index,
		Attempt:    in.Attempt,
		Directives: toPublicDirectives(in.Directives),
		Reporter:   in.Reporter,
	})
	if err != nil {
		return worker.StepResult{}, err
	}
	return worker.StepResult{Output: res.Output, Done: res.Done, Summary: res.Summary}, nil
}

// ── Type converters ────────────────────────────────────────────────────────

func toPublicRun(r model.Run) Run {
	return Run{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		Name:             r.Name,
		Goal:             r.Goal,
		RunType:          r.RunType,
		Status:           string(r.Status),
		CurrentIteration: r.CurrentIteration,
		Options:          r.Options,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
	}
}

func toPublicDirectives(ds []model.Directive) []Directive {
	if len(ds) == 0 {
		return nil
	}
	out := make([]Directive, len(ds))
	for i, d := range ds {
		out[i] = Directive{EventID: d.EventID, Text: d.Text, ReceivedAt: d.ReceivedAt}
	}
	return out
}

func contextWithOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
