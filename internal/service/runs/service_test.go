package runs_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/service/runs"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func newService(t *testing.T) *runs.Service {
	t.Helper()
	return runs.New(testutil.NewSQLiteStore(t), testutil.TestLogger())
}

func createRun(t *testing.T, svc *runs.Service) model.Run {
	t.Helper()
	run, err := svc.Create(context.Background(), model.CreateRunRequest{Goal: "demo"})
	require.NoError(t, err)
	return run
}

func TestCreateAppliesDefaults(t *testing.T) {
	svc := newService(t)
	run, err := svc.Create(context.Background(), model.CreateRunRequest{Goal: "  summarize the repo  "})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, model.RunTypeSimple, run.RunType)
	assert.Equal(t, "summarize the repo", run.Goal)
	assert.NotNil(t, run.Options)
	assert.Equal(t, 0, run.CurrentIteration)
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.CreateRunRequest
	}{
		{"missing goal", model.CreateRunRequest{}},
		{"blank goal", model.CreateRunRequest{Goal: "   "}},
		{"oversized goal", model.CreateRunRequest{Goal: strings.Repeat("x", model.MaxGoalLen+1)}},
		{"unknown run type", model.CreateRunRequest{Goal: "g", RunType: "batch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.req)
			assert.ErrorIs(t, err, model.ErrInvalidInput)
		})
	}

	missing := int64(999)
	_, err := svc.Create(ctx, model.CreateRunRequest{Goal: "g", ProjectID: &missing})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLifecycle(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)

	claimed, err := svc.Claim(ctx, run.ID, "w1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, claimed.Status)
	assert.True(t, claimed.OwnedBy("w1"))

	_, err = svc.Claim(ctx, run.ID, "w2", time.Minute)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	_, err = svc.StartStep(ctx, run.ID, "w1", 0, 1)
	require.NoError(t, err)
	idx := 0
	_, err = svc.RecordPlan(ctx, run.ID, "1. read\n2. write", &idx)
	require.NoError(t, err)
	_, err = svc.RecordMessage(ctx, run.ID, model.MessageThinking, "hmm", &idx)
	require.NoError(t, err)
	require.NoError(t, svc.Heartbeat(ctx, run.ID, "w1", &idx, time.Minute))
	_, err = svc.CompleteStep(ctx, run.ID, "w1", 0, "ok")
	require.NoError(t, err)

	done, err := svc.Complete(ctx, run.ID, "w1", "goal satisfied")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, done.Status)
	assert.Equal(t, 1, done.CurrentIteration)

	events, err := svc.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	var types []model.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []model.EventType{
		model.EventStatusChanged,
		model.EventStepStarted,
		model.EventPlanGenerated,
		model.EventAgentMessage,
		model.EventHeartbeat,
		model.EventStepCompleted,
		model.EventStatusChanged,
	}, types)

	steps, err := svc.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	require.NotNil(t, steps[0].Output)
	assert.Equal(t, "ok", *steps[0].Output)
}

func TestFailRecordsError(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)
	_, err := svc.Claim(ctx, run.ID, "w1", time.Minute)
	require.NoError(t, err)

	failed, err := svc.Fail(ctx, run.ID, "w1", "step budget exhausted")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "step budget exhausted", *failed.Error)

	_, err = svc.Complete(ctx, run.ID, "w1", "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestControlActions(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)

	resp, err := svc.Pause(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "pause", resp.Action)
	assert.True(t, resp.Signals.Paused)
	assert.Positive(t, resp.EventID)

	resp, err = svc.Resume(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, resp.Signals.Paused)

	resp, err = svc.Stop(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, resp.Signals.StopRequested)

	sig, err := svc.Signals(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, sig.StopRequested)

	events, err := svc.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventRunPaused, events[0].Type)
	assert.Equal(t, model.EventRunResumed, events[1].Type)
	assert.Equal(t, model.EventStopRequested, events[2].Type)

	_, err = svc.Pause(ctx, 4242)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestControlOnTerminalRunIsRejected(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)
	_, err := svc.Claim(ctx, run.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = svc.Complete(ctx, run.ID, "w1", "")
	require.NoError(t, err)

	_, err = svc.Stop(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
	_, err = svc.Pause(ctx, run.ID)
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
	_, err = svc.SubmitDirective(ctx, run.ID, "try harder")
	assert.ErrorIs(t, err, model.ErrInvalidOperation)
}

func TestDirectives(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)

	_, err := svc.SubmitDirective(ctx, run.ID, "   ")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	first, err := svc.SubmitDirective(ctx, run.ID, "focus on tests")
	require.NoError(t, err)
	_, err = svc.Pause(ctx, run.ID)
	require.NoError(t, err)
	second, err := svc.SubmitDirective(ctx, run.ID, "skip docs")
	require.NoError(t, err)

	all, err := svc.Directives(ctx, run.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "focus on tests", all[0].Text)
	assert.Equal(t, first.ID, all[0].EventID)
	assert.Equal(t, "skip docs", all[1].Text)

	after, err := svc.Directives(ctx, run.ID, first.ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, second.ID, after[0].EventID)
}

func TestAdoptReleasedRun(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	run := createRun(t, svc)
	_, err := svc.Claim(ctx, run.ID, "w1", time.Minute)
	require.NoError(t, err)
	_, err = svc.StartStep(ctx, run.ID, "w1", 0, 1)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, run.ID, "w1", "shutdown"))

	adopted, err := svc.Adopt(ctx, run.ID, "w2", time.Minute)
	require.NoError(t, err)
	assert.True(t, adopted.OwnedBy("w2"))

	steps, err := svc.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, model.StepStatusFailed, steps[0].Status)

	err = svc.Heartbeat(ctx, run.ID, "w1", nil, time.Minute)
	assert.ErrorIs(t, err, model.ErrLeaseLost)
}

func TestListEventsRequiresRun(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	_, err := svc.ListEvents(ctx, 77, 0, 0)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.ListSteps(ctx, 77)
	assert.ErrorIs(t, err, model.ErrNotFound)

	run := createRun(t, svc)
	_, err = svc.ListEvents(ctx, run.ID, -1, 0)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestListFiltersAndClamps(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	for range 3 {
		createRun(t, svc)
	}

	list, total, err := svc.List(ctx, model.RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, list, 2)

	bogus := model.RunStatus("SLEEPING")
	_, _, err = svc.List(ctx, model.RunFilter{Status: &bogus})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestRecordMessageRejectsUnknownKind(t *testing.T) {
	svc := newService(t)
	run := createRun(t, svc)
	_, err := svc.RecordMessage(context.Background(), run.ID, "shouting", "hi", nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestProjects(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	p, err := svc.CreateProject(ctx, model.CreateProjectRequest{Name: " atlas "})
	require.NoError(t, err)
	assert.Equal(t, "atlas", p.Name)

	_, err = svc.CreateProject(ctx, model.CreateProjectRequest{Name: "atlas"})
	assert.ErrorIs(t, err, model.ErrConflict)
	_, err = svc.CreateProject(ctx, model.CreateProjectRequest{})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	run, err := svc.Create(ctx, model.CreateRunRequest{Goal: "g", ProjectID: &p.ID})
	require.NoError(t, err)
	list, total, err := svc.List(ctx, model.RunFilter{ProjectID: &p.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, run.ID, list[0].ID)

	projects, err := svc.ListProjects(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}
