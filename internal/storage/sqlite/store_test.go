package sqlite_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/storage/sqlite"
	"github.com/ashita-ai/kiroku/internal/storage/storetest"
	"github.com/ashita-ai/kiroku/internal/testutil"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return testutil.NewSQLiteStore(t) })
}

func TestFailedAppendRollsBackChange(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiroku.db")
	s, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	storetest.RunAppendFailure(t, s, func(t *testing.T) {
		raw, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
		require.NoError(t, err)
		defer raw.Close()
		_, err = raw.ExecContext(ctx, `CREATE TRIGGER reject_event BEFORE INSERT ON run_events
			BEGIN SELECT RAISE(ABORT, 'event log unavailable'); END`)
		require.NoError(t, err)
	})
}

// A fresh database assigns ids from 1, so the demo lifecycle has fixed ids.
func TestDemoScenarioIDs(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)

	run, err := s.CreateRun(ctx, model.CreateRunParams{Goal: "demo", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.ID)

	lease := time.Now().Add(time.Minute)
	_, claimed, err := s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusQueued, To: model.RunStatusRunning, Owner: "w1", LeaseUntil: &lease,
	})
	require.NoError(t, err)
	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 0, Attempt: 1})
	require.NoError(t, err)
	_, _, err = s.FinishStep(ctx, model.StepFinish{RunID: run.ID, Owner: "w1", Index: 0, To: model.StepStatusCompleted})
	require.NoError(t, err)
	_, _, err = s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusRunning, To: model.RunStatusCompleted, Owner: "w1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1), claimed.ID)
	tail, err := s.ListEvents(ctx, run.ID, 1, 0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, int64(2), tail[0].ID)
	assert.Equal(t, int64(3), tail[1].ID)
	assert.Equal(t, int64(4), tail[2].ID)
}

func TestNotifiersFireAfterCommit(t *testing.T) {
	ctx := context.Background()

	var (
		mu      sync.Mutex
		notices []storage.EventNotice
	)
	s := testutil.NewSQLiteStore(t, sqlite.WithNotifier(func(n storage.EventNotice) {
		mu.Lock()
		notices = append(notices, n)
		mu.Unlock()
	}))

	run, err := s.CreateRun(ctx, model.CreateRunParams{Goal: "notify", RunType: model.RunTypeSimple})
	require.NoError(t, err)

	e, err := s.AppendEvent(ctx, run.ID, model.AgentMessagePayload{Kind: model.MessageLog, Message: "hi"})
	require.NoError(t, err)

	// A rejected transition commits nothing and notifies nobody.
	_, _, err = s.TransitionRun(ctx, model.RunTransition{RunID: run.ID, From: model.RunStatusRunning, To: model.RunStatusCompleted})
	require.ErrorIs(t, err, model.ErrInvalidTransition)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, notices, 1)
	assert.Equal(t, storage.EventNotice{RunID: run.ID, EventID: e.ID}, notices[0])
}

func TestAddNotifier(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	got := make(chan storage.EventNotice, 1)
	s.AddNotifier(func(n storage.EventNotice) { got <- n })

	run, err := s.CreateRun(ctx, model.CreateRunParams{Goal: "late hook", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, run.ID, model.DirectiveReceivedPayload{Directive: "go"})
	require.NoError(t, err)

	select {
	case n := <-got:
		assert.Equal(t, run.ID, n.RunID)
	default:
		t.Fatal("notifier not called")
	}
}

func TestDataSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kiroku.db")

	s, err := sqlite.Open(ctx, path, testutil.TestLogger())
	require.NoError(t, err)
	run, err := s.CreateRun(ctx, model.CreateRunParams{Goal: "durable", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	_, err = s.AppendEvent(ctx, run.ID, model.AgentMessagePayload{Kind: model.MessageThinking, Message: "still here"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = sqlite.Open(ctx, path, testutil.TestLogger(), sqlite.WithReadConns(2))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "durable", got.Goal)

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	p, err := model.DecodePayload(events[0])
	require.NoError(t, err)
	msg, ok := p.(model.AgentMessagePayload)
	require.True(t, ok)
	assert.Equal(t, "still here", msg.Message)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(context.Background(), "  ", testutil.TestLogger())
	assert.Error(t, err)
}

func TestPingAndKind(t *testing.T) {
	s := testutil.NewSQLiteStore(t)
	assert.Equal(t, "sqlite", s.Kind())
	assert.NoError(t, s.Ping(context.Background()))
}
