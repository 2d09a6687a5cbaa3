package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashita-ai/kiroku/internal/model"
)

// Reporter lets an executor narrate progress into the run's event log while
// a step is running.
type Reporter interface {
	Plan(ctx context.Context, plan string) error
	Message(ctx context.Context, kind, message string) error
}

// StepInput is everything an executor sees for one step.
type StepInput struct {
	Run     model.Run
	Index   int
	Attempt int
	// Directives submitted since the previous step. After an adoption the
	// first step sees every directive the run has received.
	Directives []model.Directive
	Reporter   Reporter
}

// StepResult is the outcome of a successful step.
type StepResult struct {
	Output string
	// Done completes the run after this step.
	Done bool
	// Summary becomes the STATUS_CHANGED reason when Done is set.
	Summary string
}

// Executor performs one step of a run. Returning an error fails the step;
// wrap it with Permanent to fail the run without retries. Executors must
// return promptly once ctx is canceled.
type Executor interface {
	ExecuteStep(ctx context.Context, in StepInput) (StepResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, in StepInput) (StepResult, error)

// ExecuteStep calls f.
func (f ExecutorFunc) ExecuteStep(ctx context.Context, in StepInput) (StepResult, error) {
	return f(ctx, in)
}

// Registry maps run types to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds runType to e, replacing any previous binding.
func (r *Registry) Register(runType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[runType] = e
}

// Lookup returns the executor for runType.
func (r *Registry) Lookup(runType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[runType]
	return e, ok
}

// RunTypes lists registered run types in sorted order.
func (r *Registry) RunTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// StepPolicy decides what happens after a step fails.
type StepPolicy struct {
	// MaxAttempts bounds consecutive attempts at the same unit of work.
	MaxAttempts int
	// MaxSteps bounds the total number of steps in a run.
	MaxSteps int
}

// DefaultStepPolicy retries twice and allows 50 steps.
func DefaultStepPolicy() StepPolicy {
	return StepPolicy{MaxAttempts: 3, MaxSteps: 50}
}

// ShouldRetry reports whether a step that failed on attempt with err should
// be tried again.
func (p StepPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil || IsPermanent(err) {
		return false
	}
	return attempt < max(p.MaxAttempts, 1)
}

// BudgetExhausted reports whether a run may not start step index.
func (p StepPolicy) BudgetExhausted(index int) bool {
	return p.MaxSteps > 0 && index >= p.MaxSteps
}

// failureMessage is the run error recorded when the policy gives up.
func failureMessage(index, attempt int, err error) string {
	if IsPermanent(err) {
		return fmt.Sprintf("step %d failed: %v", index, err)
	}
	return fmt.Sprintf("step %d failed after %d attempt(s): %v", index, attempt, err)
}
