package kiroku

import "time"

// Role selects which parts of the App run in this process.
type Role string

const (
	// RoleServer serves the HTTP API and, when enabled, an in-process worker.
	RoleServer Role = "server"
	// RoleWorker runs only the worker coordinator.
	RoleWorker Role = "worker"
	// RoleMCP serves the MCP tool surface over stdio.
	RoleMCP Role = "mcp"
)

// Run statuses as seen by executors.
const (
	StatusQueued    = "QUEUED"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
	StatusCanceled  = "CANCELED"
)

// Run types routed by the executor registry. RunTypeSimple is served by the
// built-in simulated executor unless WithExecutor replaces it.
const (
	RunTypeSimple   = "simple"
	RunTypeWorkflow = "workflow"
)

// Run is the public view of a run handed to executors.
// It carries no internal package types so it is safe to use from outside
// the module.
type Run struct {
	ID               int64
	ProjectID        *int64
	Name             *string
	Goal             string
	RunType          string
	Status           string
	CurrentIteration int
	// Options is the run's opaque JSON options bag. Numbers decode as float64.
	Options   map[string]any
	CreatedAt time.Time
	StartedAt *time.Time
}

// Directive is an operator instruction delivered to the next step.
type Directive struct {
	EventID    int64
	Text       string
	ReceivedAt time.Time
}

// StepInput is everything an executor sees for one step.
type StepInput struct {
	Run     Run
	Index   int
	Attempt int
	// Directives submitted since the previous step. After the run moves to a
	// new worker, the first step sees every directive the run has received.
	Directives []Directive
	Reporter   Reporter
}

// StepResult is the outcome of a successful step.
type StepResult struct {
	Output string
	// Done completes the run after this step.
	Done bool
	// Summary becomes the completion reason when Done is set.
	Summary string
}
