package mcp

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// watch-run: walk the agent through following a run to completion.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("watch-run",
			mcplib.WithPromptDescription("Follow a run's progress and report when it finishes"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to follow"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleWatchRunPrompt,
	)

	// run-summary: a snapshot of a run the agent can summarize.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-summary",
			mcplib.WithPromptDescription("Summarize what a run did, from its status and event log"),
			mcplib.WithArgument("run_id",
				mcplib.ArgumentDescription("The run to summarize"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunSummaryPrompt,
	)

	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to delegate and steer work with kiroku"),
		),
		s.handleAgentSetupPrompt,
	)
}

func promptRunID(request mcplib.GetPromptRequest) (int64, error) {
	raw := request.Params.Arguments["run_id"]
	if raw == "" {
		return 0, fmt.Errorf("run_id argument is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("run_id must be a positive integer, got %q", raw)
	}
	return id, nil
}

func userPrompt(description, text string) *mcplib.GetPromptResult {
	return &mcplib.GetPromptResult{
		Description: description,
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: text},
			},
		},
	}
}

func (s *Server) handleWatchRunPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id, err := promptRunID(request)
	if err != nil {
		return nil, err
	}
	return userPrompt(fmt.Sprintf("Follow run %d", id), fmt.Sprintf(`Follow run %[1]d until it reaches a terminal status.

1. CALL kiroku_get_run with run_id=%[1]d to see its status.

2. While the status is QUEUED or RUNNING, CALL kiroku_list_events with
   run_id=%[1]d and continue=true. Each call returns only events you have
   not seen yet.
   - AGENT_MESSAGE and PLAN_GENERATED events show what the worker is doing.
   - STEP_FAILED with retryable=true means the step will be retried.
   - If the run is going the wrong way, CALL kiroku_submit_directive with
     a short correction. It applies from the next step.

3. When a STATUS_CHANGED event shows COMPLETED, FAILED or CANCELED, stop
   polling and report the outcome. For FAILED runs include the error.
   CALL kiroku_list_artifacts to list anything the run produced.`, id)), nil
}

func (s *Server) handleRunSummaryPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id, err := promptRunID(request)
	if err != nil {
		return nil, err
	}
	ctx = toolContext(ctx, "prompt:run-summary")
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: run summary: %w", err)
	}
	events, err := s.runs.ListEvents(ctx, id, 0, resourceEventCap)
	if err != nil {
		return nil, fmt.Errorf("mcp: run summary: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Summarize run %d for a teammate who has not seen it.\n\n", run.ID)
	fmt.Fprintf(&b, "Goal: %s\nStatus: %s\nIterations: %d\n", truncate(run.Goal, maxCompactText), run.Status, run.CurrentIteration)
	if run.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", truncate(*run.Error, maxCompactText))
	}
	b.WriteString("\nEvent log:\n")
	for _, e := range events {
		fmt.Fprintf(&b, "- #%d %s %s\n", e.ID, e.Type, truncate(string(e.Payload), 200))
	}
	if len(events) == resourceEventCap {
		b.WriteString("- (log truncated)\n")
	}
	b.WriteString("\nCover what was attempted, what succeeded, what failed and why, and any directives or control actions an operator applied.")

	return userPrompt(fmt.Sprintf("Summarize run %d", id), b.String()), nil
}

func (s *Server) handleAgentSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return userPrompt("Delegating work with kiroku", `You have access to kiroku, a durable run orchestrator. You hand it a goal,
its workers execute the goal step by step, and every step is recorded in an
append-only event log you can read at any time.

## The Pattern: Delegate, Watch, Steer

### Delegate
Call kiroku_create_run with a clear goal. The run starts QUEUED and a worker
claims it within seconds.

### Watch
Call kiroku_list_events with continue=true to read only new events. Call
kiroku_get_run for the current status and whether the run is paused.

### Steer
- kiroku_submit_directive: give the worker a correction. It applies from
  the next step.
- kiroku_control_run action=pause: hold the run between steps. Resume it
  with action=resume.
- kiroku_control_run action=stop: cancel the run after the current step.
  This cannot be undone.

## Available Tools

- kiroku_create_run: queue a run for a goal
- kiroku_get_run: status, iteration and control signals for one run
- kiroku_list_runs: recent runs, filterable by status or project
- kiroku_list_events: a run's event log, incrementally
- kiroku_control_run: pause, resume or stop
- kiroku_submit_directive: send an instruction to a live run
- kiroku_list_artifacts: outputs a run registered

## Statuses

QUEUED, RUNNING, then exactly one of COMPLETED, FAILED or CANCELED. Terminal
runs never change again. Paused is a signal on a run, not a status.`), nil
}
