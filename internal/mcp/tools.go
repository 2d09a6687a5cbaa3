package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiroku/internal/ctxutil"
	"github.com/ashita-ai/kiroku/internal/model"
)

const (
	defaultRunsLimit   = 20
	maxRunsLimit       = 100
	defaultEventsLimit = 100
	maxEventsLimit     = 500
)

func (s *Server) registerTools() {
	// kiroku_create_run: queue a new run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_create_run",
			mcplib.WithDescription(`Queue a new run for a goal. A worker claims it, executes it step by step,
and records every step in the run's event log.

WHEN TO USE: to hand a goal to kiroku's workers. Poll progress with
kiroku_get_run or kiroku_list_events.

If project_id is omitted and your client exposes a workspace root, the run
is filed under a project named after that root.`),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("goal",
				mcplib.Description("What the run should accomplish"),
				mcplib.Required(),
			),
			mcplib.WithString("name",
				mcplib.Description("Optional short label for the run"),
			),
			mcplib.WithString("run_type",
				mcplib.Description("Execution strategy: simple (default) or workflow"),
				mcplib.Enum(model.RunTypeSimple, model.RunTypeWorkflow),
			),
			mcplib.WithNumber("project_id",
				mcplib.Description("Optional project to file the run under"),
				mcplib.Min(1),
			),
			mcplib.WithObject("options",
				mcplib.Description("Optional executor options, e.g. {\"max_iterations\": 5}"),
			),
		),
		s.handleCreateRun,
	)

	// kiroku_get_run: one run plus its control signals.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_get_run",
			mcplib.WithDescription("Get a run's status, iteration count and control signals (paused, stop requested)."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleGetRun,
	)

	// kiroku_list_runs: newest runs first.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_runs",
			mcplib.WithDescription("List runs, newest first, optionally filtered by status or project."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Only runs in this status"),
				mcplib.Enum(
					string(model.RunStatusQueued),
					string(model.RunStatusRunning),
					string(model.RunStatusCompleted),
					string(model.RunStatusFailed),
					string(model.RunStatusCanceled),
				),
			),
			mcplib.WithNumber("project_id",
				mcplib.Description("Only runs in this project"),
				mcplib.Min(1),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum runs to return"),
				mcplib.Min(1),
				mcplib.Max(maxRunsLimit),
				mcplib.DefaultNumber(defaultRunsLimit),
			),
			mcplib.WithNumber("offset",
				mcplib.Description("Number of runs to skip"),
				mcplib.Min(0),
			),
		),
		s.handleListRuns,
	)

	// kiroku_list_events: read a run's event log.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_events",
			mcplib.WithDescription(`Read a run's event log in id order.

Pass after_id to read only newer events. Set continue=true to resume from
the last event this session already read; next_after_id in the response is
the cursor for the following call.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithNumber("after_id",
				mcplib.Description("Return only events with a larger id"),
				mcplib.Min(0),
			),
			mcplib.WithBoolean("continue",
				mcplib.Description("Resume after the last event this session read (ignored when after_id is set)"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum events to return"),
				mcplib.Min(1),
				mcplib.Max(maxEventsLimit),
				mcplib.DefaultNumber(defaultEventsLimit),
			),
		),
		s.handleListEvents,
	)

	// kiroku_control_run: pause, resume or stop.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_control_run",
			mcplib.WithDescription(`Pause, resume or stop a run.

Signals are cooperative: the worker honors them between steps, so the
current step always finishes first. stop ends the run as CANCELED and
cannot be undone.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("action",
				mcplib.Description("Control action"),
				mcplib.Required(),
				mcplib.Enum("pause", "resume", "stop"),
			),
		),
		s.handleControlRun,
	)

	// kiroku_submit_directive: steer a live run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_submit_directive",
			mcplib.WithDescription("Send a free-text instruction to a run. The worker applies it at the start of its next step."),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
			mcplib.WithString("directive",
				mcplib.Description("Instruction for the worker"),
				mcplib.Required(),
			),
		),
		s.handleSubmitDirective,
	)

	// kiroku_list_artifacts: outputs a run registered.
	s.mcpServer.AddTool(
		mcplib.NewTool("kiroku_list_artifacts",
			mcplib.WithDescription("List the artifacts (named outputs with a location) a run has registered."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("run_id",
				mcplib.Description("Run id"),
				mcplib.Required(),
				mcplib.Min(1),
			),
		),
		s.handleListArtifacts,
	)
}

func (s *Server) handleCreateRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_create_run")

	req := model.CreateRunRequest{
		Goal:    request.GetString("goal", ""),
		RunType: request.GetString("run_type", ""),
	}
	if req.Goal == "" {
		return errorResult("goal is required"), nil
	}
	if name := request.GetString("name", ""); name != "" {
		req.Name = &name
	}
	if opts, ok := request.GetArguments()["options"].(map[string]any); ok {
		req.Options = opts
	}
	if pid := int64(request.GetInt("project_id", 0)); pid > 0 {
		req.ProjectID = &pid
	} else {
		rootPID, err := s.projectFromRoots(ctx)
		if err != nil {
			// The run is still created without a project.
			s.logger.Warn("mcp: resolve project from roots", append(ctxutil.LogAttrs(ctx), "error", err)...)
		}
		req.ProjectID = rootPID
	}

	run, err := s.runs.Create(ctx, req)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	return jsonResult(compactRun(run))
}

func (s *Server) handleGetRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_get_run")
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	run, err := s.runs.Get(ctx, id)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	signals, err := s.runs.Signals(ctx, id)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	return jsonResult(map[string]any{
		"run":            compactRun(run),
		"paused":         signals.Paused,
		"stop_requested": signals.StopRequested,
	})
}

func (s *Server) handleListRuns(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_list_runs")

	f := model.RunFilter{
		Limit:  min(max(request.GetInt("limit", defaultRunsLimit), 1), maxRunsLimit),
		Offset: max(request.GetInt("offset", 0), 0),
	}
	if st := model.RunStatus(request.GetString("status", "")); st != "" {
		if !st.Valid() {
			return errorResult(fmt.Sprintf("unknown status %q", st)), nil
		}
		f.Status = &st
	}
	if pid := int64(request.GetInt("project_id", 0)); pid > 0 {
		f.ProjectID = &pid
	}

	list, total, err := s.runs.List(ctx, f)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	return jsonResult(map[string]any{
		"runs":     compactRuns(list),
		"total":    total,
		"has_more": f.Offset+len(list) < total,
	})
}

func (s *Server) handleListEvents(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_list_events")
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	sid := sessionID(ctx)

	afterID := int64(request.GetInt("after_id", 0))
	if _, set := request.GetArguments()["after_id"]; !set && request.GetBool("continue", false) {
		afterID = s.cursors.Get(sid, id)
	}
	if afterID < 0 {
		return errorResult("after_id must be non-negative"), nil
	}
	limit := min(max(request.GetInt("limit", defaultEventsLimit), 1), maxEventsLimit)

	events, err := s.runs.ListEvents(ctx, id, afterID, limit)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	next := afterID
	if n := len(events); n > 0 {
		next = events[n-1].ID
	}
	s.cursors.Advance(sid, id, next)

	return jsonResult(map[string]any{
		"run_id":        id,
		"events":        compactEvents(events),
		"next_after_id": next,
		"has_more":      len(events) == limit,
	})
}

func (s *Server) handleControlRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_control_run")
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}

	var fn func(context.Context, int64) (model.ControlResponse, error)
	switch action := request.GetString("action", ""); action {
	case "pause":
		fn = s.runs.Pause
	case "resume":
		fn = s.runs.Resume
	case "stop":
		fn = s.runs.Stop
	default:
		return errorResult(fmt.Sprintf("action must be one of pause, resume, stop (got %q)", action)), nil
	}

	resp, err := fn(ctx, id)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSubmitDirective(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_submit_directive")
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	text := request.GetString("directive", "")
	if text == "" {
		return errorResult("directive is required"), nil
	}

	event, err := s.runs.SubmitDirective(ctx, id, text)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	return jsonResult(map[string]any{
		"run_id":   id,
		"event_id": event.ID,
		"status":   "accepted",
	})
}

func (s *Server) handleListArtifacts(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ctx = toolContext(ctx, "kiroku_list_artifacts")
	id, res := runIDArg(request)
	if res != nil {
		return res, nil
	}
	list, err := s.artifacts.List(ctx, id)
	if err != nil {
		return s.serviceError(ctx, err), nil
	}
	if list == nil {
		list = []model.Artifact{}
	}
	return jsonResult(map[string]any{
		"run_id":    id,
		"artifacts": list,
	})
}

func runIDArg(request mcplib.CallToolRequest) (int64, *mcplib.CallToolResult) {
	id := int64(request.GetInt("run_id", 0))
	if id <= 0 {
		return 0, errorResult("run_id is required and must be positive")
	}
	return id, nil
}

// serviceError renders err as a tool error prefixed with its API code.
// Internal failures are logged and reported without detail.
func (s *Server) serviceError(ctx context.Context, err error) *mcplib.CallToolResult {
	code := model.ErrorCode(err)
	switch code {
	case model.ErrCodeInternalError:
		s.logger.Error("mcp: tool failed", append(ctxutil.LogAttrs(ctx), "error", err)...)
		return errorResult(code + ": internal error")
	case model.ErrCodePersistence:
		s.logger.Error("mcp: tool failed", append(ctxutil.LogAttrs(ctx), "error", err)...)
		return errorResult(code + ": storage temporarily unavailable, retry")
	}
	return errorResult(code + ": " + err.Error())
}
