package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// SimulatedExecutor drives "simple" runs without any model behind it. Each
// step thinks, plans (first step only), echoes new directives and executes
// for Delay. The run completes after Steps steps, or after the run's
// "max_iterations" option when that is set.
type SimulatedExecutor struct {
	Steps int
	Delay time.Duration
}

// ExecuteStep implements Executor.
func (e SimulatedExecutor) ExecuteStep(ctx context.Context, in StepInput) (StepResult, error) {
	total := e.steps(in.Run)

	if err := in.Reporter.Message(ctx, model.MessageThinking,
		fmt.Sprintf("Considering step %d of %d toward: %s", in.Index+1, total, in.Run.Goal)); err != nil {
		return StepResult{}, err
	}

	if in.Index == 0 {
		var plan strings.Builder
		for i := range total {
			fmt.Fprintf(&plan, "%d. Work toward the goal (pass %d)\n", i+1, i+1)
		}
		if err := in.Reporter.Plan(ctx, strings.TrimRight(plan.String(), "\n")); err != nil {
			return StepResult{}, err
		}
	}

	for _, d := range in.Directives {
		if err := in.Reporter.Message(ctx, model.MessageLog, "Applying directive: "+d.Text); err != nil {
			return StepResult{}, err
		}
	}

	if err := in.Reporter.Message(ctx, model.MessageExecuting,
		fmt.Sprintf("Executing step %d", in.Index+1)); err != nil {
		return StepResult{}, err
	}

	if e.Delay > 0 {
		timer := time.NewTimer(e.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		case <-timer.C:
		}
	}

	done := in.Index+1 >= total
	res := StepResult{Output: fmt.Sprintf("step %d complete", in.Index+1), Done: done}
	if done {
		res.Summary = fmt.Sprintf("goal reached after %d step(s)", total)
	}
	return res, nil
}

func (e SimulatedExecutor) steps(run model.Run) int {
	if v, ok := run.Options["max_iterations"]; ok {
		// Options are decoded from JSON, so numbers arrive as float64.
		if f, ok := v.(float64); ok && f >= 1 {
			return int(f)
		}
	}
	return max(e.Steps, 1)
}
