package kiroku

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSQLiteApp builds an App on a throwaway SQLite file with fast worker
// timings.
func newSQLiteApp(t *testing.T, opts ...Option) *App {
	t.Helper()
	t.Setenv("WORKER_CHECK_INTERVAL", "10ms")
	t.Setenv("KIROKU_HEARTBEAT_INTERVAL", "20ms")
	t.Setenv("KIROKU_LEASE_DURATION", "1m")
	t.Setenv("KIROKU_STREAM_POLL_INTERVAL", "50ms")

	base := []Option{
		WithStore("sqlite"),
		WithSQLitePath(filepath.Join(t.TempDir(), "kiroku.db")),
		WithLogger(quietLogger()),
		WithVersion("test"),
	}
	app, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestNewServesHealth(t *testing.T) {
	app := newSQLiteApp(t, WithWorker(false))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	require.NotNil(t, app.Handler())
	assert.Nil(t, app.worker)

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"test"`)
}

func TestMiddlewareOptionWrapsRouter(t *testing.T) {
	mw := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Embedded", "yes")
			next.ServeHTTP(w, r)
		})
	}
	app := newSQLiteApp(t, WithWorker(false), WithMiddleware(mw))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "yes", rec.Header().Get("X-Embedded"))
}

func TestWorkerRoleHasNoHTTP(t *testing.T) {
	app := newSQLiteApp(t, WithRole(RoleWorker), WithWorker(false))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	assert.Nil(t, app.Handler())
	assert.NotNil(t, app.worker, "worker role always runs a coordinator")
}

func TestMCPRoleRefusesRun(t *testing.T) {
	app := newSQLiteApp(t, WithRole(RoleMCP))
	t.Cleanup(func() { app.cleanup(context.Background()) })

	assert.Nil(t, app.Handler())
	assert.Nil(t, app.worker)
	assert.Error(t, app.Run(context.Background()))
}

func TestCustomExecutorDrivesWorkflowRun(t *testing.T) {
	seen := make(chan StepInput, 4)
	exec := ExecutorFunc(func(ctx context.Context, in StepInput) (StepResult, error) {
		seen <- in
		if err := in.Reporter.Message(ctx, model.MessageLog, "working"); err != nil {
			return StepResult{}, err
		}
		return StepResult{Output: "ok", Done: in.Index == 1, Summary: "two steps"}, nil
	})
	app := newSQLiteApp(t, WithExecutor(RunTypeWorkflow, exec))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx := context.Background()
	app.worker.Start(ctx)

	run, err := app.runs.Create(ctx, model.CreateRunRequest{
		Goal:    "ship it",
		RunType: RunTypeWorkflow,
		Options: map[string]any{"depth": float64(2)},
	})
	require.NoError(t, err)
	app.worker.Kick()

	require.Eventually(t, func() bool {
		got, err := app.runs.Get(ctx, run.ID)
		return err == nil && got.Status == model.RunStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	first := <-seen
	assert.Equal(t, run.ID, first.Run.ID)
	assert.Equal(t, "ship it", first.Run.Goal)
	assert.Equal(t, RunTypeWorkflow, first.Run.RunType)
	assert.Equal(t, StatusRunning, first.Run.Status)
	assert.Equal(t, float64(2), first.Run.Options["depth"])
	assert.Equal(t, 0, first.Index)

	events, err := app.runs.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, model.EventStatusChanged, last.Type)
	assert.Contains(t, string(last.Payload), "two steps")
}

func TestPermanentFailsRunWithoutRetry(t *testing.T) {
	var calls atomic.Int32
	exec := ExecutorFunc(func(context.Context, StepInput) (StepResult, error) {
		calls.Add(1)
		return StepResult{}, Permanent(errors.New("bad input"))
	})
	app := newSQLiteApp(t, WithExecutor(RunTypeWorkflow, exec))
	t.Cleanup(func() { _ = app.Shutdown(context.Background()) })

	ctx := context.Background()
	app.worker.Start(ctx)
	run, err := app.runs.Create(ctx, model.CreateRunRequest{Goal: "fail fast", RunType: RunTypeWorkflow})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := app.runs.Get(ctx, run.ID)
		return err == nil && got.Status == model.RunStatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	got, err := app.runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "bad input")
	assert.Equal(t, int32(1), calls.Load())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("KIROKU_PORT", "9000")
	enabled := false
	cfg, err := loadConfig(resolvedOptions{
		port:          9100,
		databaseURL:   "postgres://kiroku@localhost/kiroku",
		workerID:      "w-1",
		workerEnabled: &enabled,
	})
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "postgres", cfg.Store, "a database URL option selects postgres")
	assert.Equal(t, "w-1", cfg.WorkerID)
	assert.False(t, cfg.WorkerEnabled)
}

func TestLoadConfigRejectsUnknownStore(t *testing.T) {
	_, err := loadConfig(resolvedOptions{store: "mongo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KIROKU_STORE")
}

func TestToPublicRun(t *testing.T) {
	pid := int64(7)
	name := "nightly"
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := toPublicRun(model.Run{
		ID:               3,
		ProjectID:        &pid,
		Name:             &name,
		Goal:             "g",
		RunType:          model.RunTypeSimple,
		Status:           model.RunStatusRunning,
		CurrentIteration: 2,
		Options:          map[string]any{"a": "b"},
		StartedAt:        &started,
	})
	assert.Equal(t, int64(3), r.ID)
	assert.Equal(t, &pid, r.ProjectID)
	assert.Equal(t, "nightly", *r.Name)
	assert.Equal(t, StatusRunning, r.Status)
	assert.Equal(t, 2, r.CurrentIteration)
	assert.Equal(t, started, *r.StartedAt)

	assert.Nil(t, toPublicDirectives(nil))
	ds := toPublicDirectives([]model.Directive{{EventID: 9, Text: "focus"}})
	require.Len(t, ds, 1)
	assert.Equal(t, Directive{EventID: 9, Text: "focus"}, ds[0])
}

func TestNewRegistryKeepsSimulatedDefault(t *testing.T) {
	reg := newRegistry(nil)
	assert.Equal(t, []string{RunTypeSimple}, reg.RunTypes())

	reg = newRegistry(map[string]Executor{
		RunTypeWorkflow: ExecutorFunc(func(context.Context, StepInput) (StepResult, error) { return StepResult{}, nil }),
	})
	assert.Equal(t, []string{RunTypeSimple, RunTypeWorkflow}, reg.RunTypes())
}
