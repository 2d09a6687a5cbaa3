package kiroku

import (
	"context"
	"net/http"
)

// Executor performs one step of a run.
// Registered per run type via WithExecutor. Returning an error fails the
// step and it is retried up to the configured attempt limit; wrap the error
// with Permanent to fail the run at once. Executors must return promptly
// once ctx is canceled: cancellation means the run was stopped, the lease
// was lost or the worker is draining.
type Executor interface {
	ExecuteStep(ctx context.Context, in StepInput) (StepResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in StepInput) (StepResult, error)

// ExecuteStep calls f.
func (f ExecutorFunc) ExecuteStep(ctx context.Context, in StepInput) (StepResult, error) {
	return f(ctx, in)
}

// Reporter narrates a step into the run's event log while it executes.
// Plan appends a PLAN_GENERATED event; Message appends an AGENT_MESSAGE of
// the given kind (thinking, executing, log).
type Reporter interface {
	Plan(ctx context.Context, plan string) error
	Message(ctx context.Context, kind, message string) error
}

// Middleware wraps the HTTP router.
// Applied inside the built-in chain, after request ids, CORS and tracing.
// Multiple middlewares are applied in registration order (first-registered = outermost).
type Middleware func(http.Handler) http.Handler
