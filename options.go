package kiroku

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds every override after applying defaults.
type resolvedOptions struct {
	role            Role
	port            int
	store           string
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	workerID        string
	workerEnabled   *bool
	logger          *slog.Logger
	version         string
	executors       map[string]Executor
	middlewares     []Middleware
	extraMigrations []fs.FS
}

// WithRole selects what the App runs. Default RoleServer.
func WithRole(r Role) Option {
	return func(o *resolvedOptions) { o.role = r }
}

// WithPort overrides the TCP port from config (KIROKU_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStore overrides the store kind from config (KIROKU_STORE env var):
// "postgres" or "sqlite".
func WithStore(kind string) Option {
	return func(o *resolvedOptions) { o.store = kind }
}

// WithDatabaseURL overrides the Postgres connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the SQLite database file (KIROKU_SQLITE_PATH env var).
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithWorkerID sets the owner id this process claims runs under (KIROKU_WORKER_ID env var).
// It must be unique across the cluster.
func WithWorkerID(id string) Option {
	return func(o *resolvedOptions) { o.workerID = id }
}

// WithWorker turns the in-process worker on or off for RoleServer
// (KIROKU_WORKER_ENABLED env var). RoleWorker always runs one.
func WithWorker(enabled bool) Option {
	return func(o *resolvedOptions) { o.workerEnabled = &enabled }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint, MCP
// handshake and telemetry resource.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithExecutor binds an executor to a run type. The last registration for
// a run type wins, so WithExecutor(RunTypeSimple, e) replaces the built-in
// simulated executor.
func WithExecutor(runType string, e Executor) Option {
	return func(o *resolvedOptions) {
		if o.executors == nil {
			o.executors = make(map[string]Executor)
		}
		o.executors[runType] = e
	}
}

// WithMiddleware registers an HTTP middleware around the router.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost.
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}

// WithExtraMigrations adds a SQL migration filesystem applied after the
// built-in Postgres migrations. Ignored by the SQLite store.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
