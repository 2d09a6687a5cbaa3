package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestStepPolicyShouldRetry(t *testing.T) {
	p := StepPolicy{MaxAttempts: 3}
	boom := errors.New("boom")

	assert.True(t, p.ShouldRetry(1, boom))
	assert.True(t, p.ShouldRetry(2, boom))
	assert.False(t, p.ShouldRetry(3, boom))
	assert.False(t, p.ShouldRetry(1, nil))
	assert.False(t, p.ShouldRetry(1, Permanent(boom)))
	assert.False(t, p.ShouldRetry(1, fmt.Errorf("wrapped: %w", Permanent(boom))))

	assert.False(t, StepPolicy{}.ShouldRetry(1, boom), "zero policy allows a single attempt")
}

func TestStepPolicyBudget(t *testing.T) {
	p := StepPolicy{MaxSteps: 2}
	assert.False(t, p.BudgetExhausted(0))
	assert.False(t, p.BudgetExhausted(1))
	assert.True(t, p.BudgetExhausted(2))
	assert.False(t, StepPolicy{}.BudgetExhausted(1000), "zero MaxSteps is unbounded")
}

func TestPermanent(t *testing.T) {
	assert.NoError(t, Permanent(nil))

	base := errors.New("bad goal")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "bad goal", err.Error())
	assert.False(t, IsPermanent(base))
}

func TestFailureMessage(t *testing.T) {
	assert.Equal(t, "step 2 failed after 3 attempt(s): timeout", failureMessage(2, 3, errors.New("timeout")))
	assert.Equal(t, "step 0 failed: nope", failureMessage(0, 1, Permanent(errors.New("nope"))))
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup(model.RunTypeSimple)
	assert.False(t, ok)

	r.Register(model.RunTypeWorkflow, SimulatedExecutor{})
	r.Register(model.RunTypeSimple, SimulatedExecutor{})
	_, ok = r.Lookup(model.RunTypeSimple)
	assert.True(t, ok)
	assert.Equal(t, []string{"simple", "workflow"}, r.RunTypes())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Contains(t, cfg.WorkerID, "worker-")
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 10, cfg.BatchSize)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, 60*time.Second, cfg.LeaseDuration)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, DefaultStepPolicy(), cfg.Policy)

	kept := Config{WorkerID: "w", Concurrency: 4}.withDefaults()
	assert.Equal(t, "w", kept.WorkerID)
	assert.Equal(t, 4, kept.Concurrency)
}

func TestSafeExecuteRecoversPanic(t *testing.T) {
	_, err := safeExecute(context.Background(), ExecutorFunc(func(context.Context, StepInput) (StepResult, error) {
		panic("kaboom")
	}), StepInput{})
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "kaboom")
}

type captureReporter struct {
	plans    []string
	messages []string
}

func (r *captureReporter) Plan(_ context.Context, plan string) error {
	r.plans = append(r.plans, plan)
	return nil
}

func (r *captureReporter) Message(_ context.Context, kind, msg string) error {
	r.messages = append(r.messages, kind+": "+msg)
	return nil
}

func TestSimulatedExecutor(t *testing.T) {
	ctx := context.Background()
	exec := SimulatedExecutor{Steps: 2}
	run := model.Run{ID: 1, Goal: "write a haiku"}

	rep := &captureReporter{}
	res, err := exec.ExecuteStep(ctx, StepInput{
		Run:        run,
		Index:      0,
		Attempt:    1,
		Directives: []model.Directive{{EventID: 7, Text: "use winter imagery"}},
		Reporter:   rep,
	})
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, "step 1 complete", res.Output)
	require.Len(t, rep.plans, 1)
	assert.Contains(t, rep.plans[0], "1. ")
	assert.Contains(t, rep.plans[0], "2. ")
	assert.Equal(t, []string{
		"thinking: Considering step 1 of 2 toward: write a haiku",
		"log: Applying directive: use winter imagery",
		"executing: Executing step 1",
	}, rep.messages)

	rep = &captureReporter{}
	res, err = exec.ExecuteStep(ctx, StepInput{Run: run, Index: 1, Attempt: 1, Reporter: rep})
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "goal reached after 2 step(s)", res.Summary)
	assert.Empty(t, rep.plans, "plan is generated on the first step only")
}

func TestSimulatedExecutorStepCount(t *testing.T) {
	exec := SimulatedExecutor{Steps: 4}
	assert.Equal(t, 4, exec.steps(model.Run{}))
	assert.Equal(t, 2, exec.steps(model.Run{Options: map[string]any{"max_iterations": float64(2)}}))
	assert.Equal(t, 4, exec.steps(model.Run{Options: map[string]any{"max_iterations": "two"}}))
	assert.Equal(t, 1, SimulatedExecutor{}.steps(model.Run{}))
}

func TestSimulatedExecutorHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := SimulatedExecutor{Steps: 1, Delay: time.Hour}.ExecuteStep(ctx, StepInput{
		Run:      model.Run{Goal: "g"},
		Reporter: &captureReporter{},
	})
	assert.ErrorIs(t, err, context.Canceled)
}
