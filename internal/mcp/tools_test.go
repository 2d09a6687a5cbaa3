package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/artifacts"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

type harness struct {
	srv       *Server
	runs      *runs.Service
	artifacts *artifacts.Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := testutil.NewSQLiteStore(t)
	logger := testutil.TestLogger()
	runSvc := runs.New(store, logger)
	artSvc := artifacts.New(store, logger)
	return &harness{
		srv:       New(runSvc, artSvc, logger, "test"),
		runs:      runSvc,
		artifacts: artSvc,
	}
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func parseToolJSON(t *testing.T, result *mcplib.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, parseToolText(t, result))
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &m))
	return m
}

func (h *harness) mustCreateRun(t *testing.T, goal string) model.Run {
	t.Helper()
	run, err := h.runs.Create(context.Background(), model.CreateRunRequest{Goal: goal})
	require.NoError(t, err)
	return run
}

func TestCreateRunTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.srv.handleCreateRun(ctx, toolRequest("kiroku_create_run", map[string]any{
		"goal":     "write the release notes",
		"name":     "notes",
		"run_type": "workflow",
		"options":  map[string]any{"max_iterations": float64(3)},
	}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Equal(t, "QUEUED", m["status"])
	assert.Equal(t, "workflow", m["run_type"])
	assert.Equal(t, "notes", m["name"])
	assert.NotContains(t, m, "owner")

	id := int64(m["id"].(float64))
	run, err := h.runs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "write the release notes", run.Goal)
	assert.Equal(t, float64(3), run.Options["max_iterations"])
	assert.Nil(t, run.ProjectID, "no session, so no roots to infer a project from")
}

func TestCreateRunToolWithProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	p, err := h.runs.CreateProject(ctx, model.CreateProjectRequest{Name: "infra"})
	require.NoError(t, err)

	result, err := h.srv.handleCreateRun(ctx, toolRequest("kiroku_create_run", map[string]any{
		"goal":       "rotate certificates",
		"project_id": float64(p.ID),
	}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Equal(t, float64(p.ID), m["project_id"])
}

func TestCreateRunToolValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	result, err := h.srv.handleCreateRun(ctx, toolRequest("kiroku_create_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "goal is required")

	result, err = h.srv.handleCreateRun(ctx, toolRequest("kiroku_create_run", map[string]any{
		"goal":     "x",
		"run_type": "parallel",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(parseToolText(t, result), "INVALID_INPUT: "), parseToolText(t, result))
}

func TestGetRunTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "index the docs")
	_, err := h.runs.Pause(ctx, run.ID)
	require.NoError(t, err)

	result, err := h.srv.handleGetRun(ctx, toolRequest("kiroku_get_run", map[string]any{"run_id": float64(run.ID)}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Equal(t, true, m["paused"])
	assert.Equal(t, false, m["stop_requested"])
	assert.Equal(t, "QUEUED", m["run"].(map[string]any)["status"])

	result, err = h.srv.handleGetRun(ctx, toolRequest("kiroku_get_run", map[string]any{"run_id": float64(99999)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(parseToolText(t, result), "NOT_FOUND: "))

	result, err = h.srv.handleGetRun(ctx, toolRequest("kiroku_get_run", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "run_id is required")
}

func TestListRunsTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, goal := range []string{"a", "b", "c"} {
		h.mustCreateRun(t, goal)
	}

	result, err := h.srv.handleListRuns(ctx, toolRequest("kiroku_list_runs", map[string]any{"limit": float64(2)}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Len(t, m["runs"], 2)
	assert.Equal(t, float64(3), m["total"])
	assert.Equal(t, true, m["has_more"])

	result, err = h.srv.handleListRuns(ctx, toolRequest("kiroku_list_runs", map[string]any{"status": "COMPLETED"}))
	require.NoError(t, err)
	m = parseToolJSON(t, result)
	assert.Empty(t, m["runs"])
	assert.Equal(t, false, m["has_more"])

	result, err = h.srv.handleListRuns(ctx, toolRequest("kiroku_list_runs", map[string]any{"status": "DONE"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListEventsTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "triage the backlog")
	_, err := h.runs.SubmitDirective(ctx, run.ID, "start with P0s")
	require.NoError(t, err)
	_, err = h.runs.Pause(ctx, run.ID)
	require.NoError(t, err)
	_, err = h.runs.Resume(ctx, run.ID)
	require.NoError(t, err)

	result, err := h.srv.handleListEvents(ctx, toolRequest("kiroku_list_events", map[string]any{
		"run_id": float64(run.ID),
		"limit":  float64(2),
	}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	events := m["events"].([]any)
	require.Len(t, events, 2)
	first := events[0].(map[string]any)
	assert.Equal(t, "DIRECTIVE_RECEIVED", first["event_type"])
	assert.Equal(t, "start with P0s", first["directive"], "payload fields are flattened")
	assert.Equal(t, true, m["has_more"])
	next := m["next_after_id"].(float64)
	assert.Equal(t, events[1].(map[string]any)["id"], next)

	result, err = h.srv.handleListEvents(ctx, toolRequest("kiroku_list_events", map[string]any{
		"run_id":   float64(run.ID),
		"after_id": next,
	}))
	require.NoError(t, err)
	m = parseToolJSON(t, result)
	rest := m["events"].([]any)
	require.Len(t, rest, 1)
	assert.Equal(t, "RUN_RESUMED", rest[0].(map[string]any)["event_type"])
	assert.Equal(t, false, m["has_more"])

	result, err = h.srv.handleListEvents(ctx, toolRequest("kiroku_list_events", map[string]any{"run_id": float64(424242)}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestControlRunTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "migrate the schema")

	result, err := h.srv.handleControlRun(ctx, toolRequest("kiroku_control_run", map[string]any{
		"run_id": float64(run.ID),
		"action": "pause",
	}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Equal(t, true, m["signals"].(map[string]any)["paused"])

	result, err = h.srv.handleControlRun(ctx, toolRequest("kiroku_control_run", map[string]any{
		"run_id": float64(run.ID),
		"action": "explode",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = h.srv.handleControlRun(ctx, toolRequest("kiroku_control_run", map[string]any{
		"run_id": float64(run.ID),
		"action": "stop",
	}))
	require.NoError(t, err)
	m = parseToolJSON(t, result)
	assert.Equal(t, true, m["signals"].(map[string]any)["stop_requested"])

	signals, err := h.runs.Signals(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, signals.StopRequested)
}

func TestControlRunToolRejectsTerminalRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "short job")
	_, err := h.runs.Claim(ctx, run.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = h.runs.Complete(ctx, run.ID, "w1", "done")
	require.NoError(t, err)

	result, err := h.srv.handleControlRun(ctx, toolRequest("kiroku_control_run", map[string]any{
		"run_id": float64(run.ID),
		"action": "pause",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.True(t, strings.HasPrefix(parseToolText(t, result), "INVALID_OPERATION: "), parseToolText(t, result))
}

func TestSubmitDirectiveTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "draft the RFC")

	result, err := h.srv.handleSubmitDirective(ctx, toolRequest("kiroku_submit_directive", map[string]any{
		"run_id":    float64(run.ID),
		"directive": "keep it under two pages",
	}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Equal(t, "accepted", m["status"])
	assert.Positive(t, m["event_id"].(float64))

	directives, err := h.runs.Directives(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, directives, 1)
	assert.Equal(t, "keep it under two pages", directives[0].Text)

	result, err = h.srv.handleSubmitDirective(ctx, toolRequest("kiroku_submit_directive", map[string]any{
		"run_id": float64(run.ID),
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestListArtifactsTool(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	run := h.mustCreateRun(t, "build the site")

	result, err := h.srv.handleListArtifacts(ctx, toolRequest("kiroku_list_artifacts", map[string]any{"run_id": float64(run.ID)}))
	require.NoError(t, err)
	m := parseToolJSON(t, result)
	assert.Empty(t, m["artifacts"])

	_, err = h.artifacts.Register(ctx, run.ID, model.RegisterArtifactRequest{
		Name: "site.tar.gz", Kind: "archive", Location: "s3://bucket/site.tar.gz",
	})
	require.NoError(t, err)

	result, err = h.srv.handleListArtifacts(ctx, toolRequest("kiroku_list_artifacts", map[string]any{"run_id": float64(run.ID)}))
	require.NoError(t, err)
	m = parseToolJSON(t, result)
	list := m["artifacts"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "site.tar.gz", list[0].(map[string]any)["name"])
}

func TestEnsureProject(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id1, err := h.srv.ensureProject(ctx, "kiroku", "/src/kiroku")
	require.NoError(t, err)
	require.NotNil(t, id1)

	id2, err := h.srv.ensureProject(ctx, "kiroku", "/elsewhere/kiroku")
	require.NoError(t, err)
	require.NotNil(t, id2)
	assert.Equal(t, *id1, *id2, "existing project is reused")

	p, err := h.runs.GetProject(ctx, *id1)
	require.NoError(t, err)
	require.NotNil(t, p.LocalPath)
	assert.Equal(t, "/src/kiroku", *p.LocalPath)
}

func TestServiceErrorHidesInternalDetail(t *testing.T) {
	h := newHarness(t)
	res := h.srv.serviceError(context.Background(), assert.AnError)
	assert.True(t, res.IsError)
	assert.Equal(t, "INTERNAL_ERROR: internal error", parseToolText(t, res))
}
