// Package storetest is a conformance suite for storage.Store
// implementations. Backends call Run from their own tests so the Postgres and
// SQLite stores are held to the same lifecycle and ordering guarantees.
//
// Tests never assume a fresh database: they create their own runs and
// compare event ids relative to each other.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// Run executes the suite against the store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"CreateAndGetRun", testCreateAndGetRun},
		{"ClaimExclusivity", testClaimExclusivity},
		{"RejectedTransitionHasNoSideEffects", testRejectedTransition},
		{"LifecycleScenario", testLifecycleScenario},
		{"OneRunningStep", testOneRunningStep},
		{"ConcurrentAppendsAreOrdered", testConcurrentAppends},
		{"ControlOnTerminalRun", testControlOnTerminal},
		{"PausedRunsAreNotClaimable", testPausedNotClaimable},
		{"AdoptAfterLeaseExpiry", testAdopt},
		{"ReleaseKeepsStatus", testRelease},
		{"Artifacts", testArtifacts},
		{"Projects", testProjects},
		{"ListRunsFilter", testListRuns},
		{"ListEventsOfType", testListEventsOfType},
		{"IdempotencyKeys", testIdempotencyKeys},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func newRun(t *testing.T, s storage.Store, goal string) model.Run {
	t.Helper()
	run, err := s.CreateRun(context.Background(), model.CreateRunParams{
		Goal:    goal,
		RunType: model.RunTypeSimple,
		Options: map[string]any{"max_iterations": float64(3)},
	})
	require.NoError(t, err)
	return run
}

func claim(t *testing.T, s storage.Store, runID int64, owner string) model.Event {
	t.Helper()
	lease := time.Now().Add(time.Minute)
	_, e, err := s.TransitionRun(context.Background(), model.RunTransition{
		RunID: runID, From: model.RunStatusQueued, To: model.RunStatusRunning,
		Owner: owner, LeaseUntil: &lease,
	})
	require.NoError(t, err)
	return e
}

func testCreateAndGetRun(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "demo")
	assert.Equal(t, model.RunStatusQueued, run.Status)
	assert.Equal(t, 0, run.CurrentIteration)
	assert.Equal(t, "demo", run.Goal)
	assert.Equal(t, float64(3), run.Options["max_iterations"])
	assert.Nil(t, run.Owner)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, run.Goal, got.Goal)

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events, "creating a run appends nothing")

	_, err = s.GetRun(ctx, run.ID+1_000_000)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testClaimExclusivity(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "contended")

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for i := range workers {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			lease := time.Now().Add(time.Minute)
			_, _, err := s.TransitionRun(ctx, model.RunTransition{
				RunID: run.ID, From: model.RunStatusQueued, To: model.RunStatusRunning,
				Owner: owner, LeaseUntil: &lease,
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				winners = append(winners, owner)
				return
			}
			if assert.ErrorIs(t, err, model.ErrInvalidTransition) {
				conflicts++
			}
		}(fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, workers-1, conflicts)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.True(t, got.OwnedBy(winners[0]))

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventStatusChanged, events[0].Type)
}

func testRejectedTransition(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "reject")

	_, _, err := s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusQueued, To: model.RunStatusCompleted,
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	claim(t, s, run.ID, "w1")
	_, _, err = s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusRunning, To: model.RunStatusCompleted, Owner: "w1",
	})
	require.NoError(t, err)

	before, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)

	// Terminal is final, whatever the caller believes the current state is.
	for _, from := range []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning} {
		to := model.RunStatusRunning
		if from == model.RunStatusRunning {
			to = model.RunStatusFailed
		}
		_, _, err = s.TransitionRun(ctx, model.RunTransition{RunID: run.ID, From: from, To: to})
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	}

	after, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, got.Status)
}

func testLifecycleScenario(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "demo")

	claimEvent := claim(t, s, run.ID, "w1")

	_, started, err := s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 0, Attempt: 1})
	require.NoError(t, err)
	out := "done"
	_, completed, err := s.FinishStep(ctx, model.StepFinish{
		RunID: run.ID, Owner: "w1", Index: 0, To: model.StepStatusCompleted, Output: &out,
	})
	require.NoError(t, err)
	final, finished, err := s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusRunning, To: model.RunStatusCompleted, Owner: "w1", Reason: "goal satisfied",
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, final.Status)
	assert.Equal(t, 1, final.CurrentIteration)
	assert.Nil(t, final.Owner)
	assert.NotNil(t, final.CompletedAt)

	assert.Less(t, claimEvent.ID, started.ID)
	assert.Less(t, started.ID, completed.ID)
	assert.Less(t, completed.ID, finished.ID)

	tail, err := s.ListEvents(ctx, run.ID, claimEvent.ID, 0)
	require.NoError(t, err)
	require.Len(t, tail, 3)
	assert.Equal(t, []int64{started.ID, completed.ID, finished.ID}, []int64{tail[0].ID, tail[1].ID, tail[2].ID})
	assert.Equal(t, model.EventStepStarted, tail[0].Type)
	assert.Equal(t, model.EventStepCompleted, tail[1].Type)
	assert.Equal(t, model.EventStatusChanged, tail[2].Type)

	p, err := model.DecodePayload(tail[2])
	require.NoError(t, err)
	sc, ok := p.(model.StatusChangedPayload)
	require.True(t, ok)
	assert.Equal(t, model.RunStatusRunning, sc.From)
	assert.Equal(t, model.RunStatusCompleted, sc.To)
}

func testOneRunningStep(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "steps")
	claim(t, s, run.ID, "w1")

	_, _, err := s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 0})
	require.NoError(t, err)

	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 1})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "second RUNNING step must be rejected")

	msg := "boom"
	step, _, err := s.FinishStep(ctx, model.StepFinish{
		RunID: run.ID, Owner: "w1", Index: 0, To: model.StepStatusFailed, Error: &msg, Retryable: true,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StepStatusFailed, step.Status)

	_, _, err = s.FinishStep(ctx, model.StepFinish{RunID: run.ID, Owner: "w1", Index: 0, To: model.StepStatusCompleted})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "finished step cannot change again")

	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 0})
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "step index is never reused")

	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w2", Index: 1})
	assert.ErrorIs(t, err, model.ErrLeaseLost)

	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w1", Index: 1, Attempt: 2})
	require.NoError(t, err)

	steps, err := s.ListSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, model.StepStatusFailed, steps[0].Status)
	assert.Equal(t, model.StepStatusRunning, steps[1].Status)
	assert.Equal(t, 2, steps[1].Attempt)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentIteration)
}

func testConcurrentAppends(t *testing.T, s storage.Store) {
	ctx := context.Background()
	runs := []model.Run{newRun(t, s, "a"), newRun(t, s, "b"), newRun(t, s, "c")}

	const perRun = 20
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[int64]bool{}
	)
	for _, r := range runs {
		for i := range perRun {
			wg.Add(1)
			go func(runID int64, i int) {
				defer wg.Done()
				e, err := s.AppendEvent(ctx, runID, model.AgentMessagePayload{
					Kind: model.MessageLog, Message: fmt.Sprintf("line %d", i),
				})
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				assert.False(t, ids[e.ID], "duplicate id %d", e.ID)
				ids[e.ID] = true
				mu.Unlock()
			}(r.ID, i)
		}
	}
	wg.Wait()
	assert.Len(t, ids, perRun*len(runs))

	for _, r := range runs {
		events, err := s.ListEvents(ctx, r.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, perRun)
		for i := 1; i < len(events); i++ {
			assert.Less(t, events[i-1].ID, events[i].ID)
		}
		// Paging from any cursor returns exactly the suffix.
		mid := events[perRun/2-1].ID
		tail, err := s.ListEvents(ctx, r.ID, mid, 0)
		require.NoError(t, err)
		assert.Equal(t, events[perRun/2:], tail)
	}
}

func testControlOnTerminal(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "stop me")
	claim(t, s, run.ID, "w1")

	yes := true
	sig, e, err := s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "stop", Update: model.SignalUpdate{StopRequested: &yes},
		Event: model.SignalPayload{Signal: model.EventStopRequested, RequestedAt: time.Now().UTC()},
	})
	require.NoError(t, err)
	assert.True(t, sig.StopRequested)
	assert.Equal(t, model.EventStopRequested, e.Type)

	_, _, err = s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusRunning, To: model.RunStatusCanceled, Owner: "w1",
	})
	require.NoError(t, err)

	before, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)

	_, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "stop", Update: model.SignalUpdate{StopRequested: &yes},
		Event: model.SignalPayload{Signal: model.EventStopRequested, RequestedAt: time.Now().UTC()},
	})
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	_, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "submit directive",
		Event: model.DirectiveReceivedPayload{Directive: "too late"},
	})
	assert.ErrorIs(t, err, model.ErrInvalidOperation)

	after, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, after, len(before))

	_, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID + 1_000_000, Op: "pause",
		Event: model.SignalPayload{Signal: model.EventRunPaused},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func claimableIDs(t *testing.T, s storage.Store, now time.Time) map[int64]bool {
	t.Helper()
	runs, err := s.ListClaimable(context.Background(), now, 10_000)
	require.NoError(t, err)
	ids := make(map[int64]bool, len(runs))
	for _, r := range runs {
		ids[r.ID] = true
	}
	return ids
}

func testPausedNotClaimable(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "paused")
	now := time.Now()
	assert.True(t, claimableIDs(t, s, now)[run.ID])

	yes, no := true, false
	sig, _, err := s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "pause", Update: model.SignalUpdate{Paused: &yes},
		Event: model.SignalPayload{Signal: model.EventRunPaused, RequestedAt: now.UTC()},
	})
	require.NoError(t, err)
	assert.True(t, sig.Paused)
	assert.False(t, claimableIDs(t, s, now)[run.ID])

	got, err := s.GetSignals(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.Paused)
	assert.False(t, got.StopRequested)

	// A pending stop makes a paused run claimable again so it can be canceled.
	_, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "stop", Update: model.SignalUpdate{StopRequested: &yes},
		Event: model.SignalPayload{Signal: model.EventStopRequested, RequestedAt: now.UTC()},
	})
	require.NoError(t, err)
	assert.True(t, claimableIDs(t, s, now)[run.ID])

	sig, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "resume", Update: model.SignalUpdate{Paused: &no},
		Event: model.SignalPayload{Signal: model.EventRunResumed, RequestedAt: now.UTC()},
	})
	require.NoError(t, err)
	assert.False(t, sig.Paused)
	assert.True(t, sig.StopRequested, "resume leaves stop untouched")

	fresh := newRun(t, s, "no signals")
	sig, err = s.GetSignals(ctx, fresh.ID)
	require.NoError(t, err)
	assert.False(t, sig.Paused)
	assert.False(t, sig.StopRequested)
}

func testAdopt(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "orphan")

	expired := time.Now().Add(-time.Second)
	_, _, err := s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusQueued, To: model.RunStatusRunning,
		Owner: "dead-worker", LeaseUntil: &expired,
	})
	require.NoError(t, err)
	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "dead-worker", Index: 0})
	require.NoError(t, err)

	now := time.Now()
	assert.True(t, claimableIDs(t, s, now)[run.ID])

	lease := now.Add(time.Minute)
	adopted, events, err := s.AdoptRun(ctx, run.ID, "w2", lease, now)
	require.NoError(t, err)
	assert.True(t, adopted.OwnedBy("w2"))
	assert.Equal(t, model.RunStatusRunning, adopted.Status)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventStepFailed, events[0].Type)
	assert.Equal(t, model.EventRunAdopted, events[1].Type)

	_, _, err = s.AdoptRun(ctx, run.ID, "w3", lease, now)
	assert.ErrorIs(t, err, model.ErrInvalidTransition, "a live lease cannot be adopted")

	_, _, err = s.FinishStep(ctx, model.StepFinish{RunID: run.ID, Owner: "dead-worker", Index: 0, To: model.StepStatusCompleted})
	assert.ErrorIs(t, err, model.ErrLeaseLost)

	err = s.RenewLease(ctx, run.ID, "dead-worker", lease)
	assert.ErrorIs(t, err, model.ErrLeaseLost)
	require.NoError(t, s.RenewLease(ctx, run.ID, "w2", lease.Add(time.Minute)))

	_, _, err = s.StartStep(ctx, model.StepStart{RunID: run.ID, Owner: "w2", Index: 1, Attempt: 2})
	require.NoError(t, err)
}

func testRelease(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "release")
	claim(t, s, run.ID, "w1")

	_, err := s.ReleaseRun(ctx, run.ID, "someone-else", "paused")
	assert.ErrorIs(t, err, model.ErrLeaseLost)

	e, err := s.ReleaseRun(ctx, run.ID, "w1", "paused")
	require.NoError(t, err)
	assert.Equal(t, model.EventRunReleased, e.Type)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, got.Status)
	assert.Nil(t, got.Owner)
	assert.True(t, claimableIDs(t, s, time.Now())[run.ID])
}

func testArtifacts(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "artifacts")

	a1, err := s.CreateArtifact(ctx, model.Artifact{RunID: run.ID, Name: "report.md", Kind: "document", Location: "file:///tmp/report.md"})
	require.NoError(t, err)
	a2, err := s.CreateArtifact(ctx, model.Artifact{RunID: run.ID, Name: "diff.patch", Kind: "patch", Location: "s3://bucket/diff.patch"})
	require.NoError(t, err)
	assert.Less(t, a1.ID, a2.ID)

	list, err := s.ListArtifacts(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "report.md", list[0].Name)
	assert.Equal(t, "diff.patch", list[1].Name)

	_, err = s.CreateArtifact(ctx, model.Artifact{RunID: run.ID + 1_000_000, Name: "x", Kind: "y", Location: "z"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testProjects(t *testing.T, s storage.Store) {
	ctx := context.Background()
	name := "proj-" + uuid.NewString()[:8]
	path := "/srv/" + name

	p, err := s.CreateProject(ctx, name, &path)
	require.NoError(t, err)
	assert.Equal(t, name, p.Name)

	_, err = s.CreateProject(ctx, name, nil)
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := s.GetProject(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LocalPath)
	assert.Equal(t, path, *got.LocalPath)

	list, err := s.ListProjects(ctx)
	require.NoError(t, err)
	var found bool
	for _, lp := range list {
		found = found || lp.ID == p.ID
	}
	assert.True(t, found)

	run, err := s.CreateRun(ctx, model.CreateRunParams{ProjectID: &p.ID, Goal: "in project", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	require.NotNil(t, run.ProjectID)
	assert.Equal(t, p.ID, *run.ProjectID)
}

func testListEventsOfType(t *testing.T, s storage.Store) {
	ctx := context.Background()
	run := newRun(t, s, "directed")
	claim(t, s, run.ID, "w1")

	var directives []int64
	for i := range 3 {
		_, err := s.AppendEvent(ctx, run.ID, model.HeartbeatPayload{WorkerID: "w1", StepIndex: &i, At: time.Now().UTC()})
		require.NoError(t, err)
		_, e, err := s.RecordControl(ctx, model.ControlRecord{
			RunID: run.ID, Op: "submit directive",
			Event: model.DirectiveReceivedPayload{Directive: fmt.Sprintf("d%d", i)},
		})
		require.NoError(t, err)
		directives = append(directives, e.ID)
	}

	got, err := s.ListEventsOfType(ctx, run.ID, model.EventDirectiveReceived, 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		assert.Equal(t, directives[i], e.ID)
		assert.Equal(t, model.EventDirectiveReceived, e.Type)
	}

	got, err = s.ListEventsOfType(ctx, run.ID, model.EventDirectiveReceived, directives[0], 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, directives[1], got[0].ID)
}

func testIdempotencyKeys(t *testing.T, s storage.Store) {
	ctx := context.Background()
	endpoint := "POST:/v1/runs#" + uuid.NewString()

	lookup, err := s.BeginIdempotency(ctx, endpoint, "k1", "hash-a")
	require.NoError(t, err)
	assert.False(t, lookup.Completed)

	_, err = s.BeginIdempotency(ctx, endpoint, "k1", "hash-a")
	require.ErrorIs(t, err, storage.ErrIdempotencyInProgress)
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.CompleteIdempotency(ctx, endpoint, "k1", 201, []byte(`{"id":7}`)))
	replay, err := s.BeginIdempotency(ctx, endpoint, "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed)
	assert.Equal(t, 201, replay.StatusCode)
	assert.JSONEq(t, `{"id":7}`, string(replay.ResponseData))

	_, err = s.BeginIdempotency(ctx, endpoint, "k1", "hash-b")
	require.ErrorIs(t, err, storage.ErrIdempotencyPayloadMismatch)

	// Completing twice, or a key never reserved, is an error.
	assert.ErrorIs(t, s.CompleteIdempotency(ctx, endpoint, "k1", 201, []byte(`{}`)), model.ErrNotFound)

	// Clearing releases only in-progress keys.
	_, err = s.BeginIdempotency(ctx, endpoint, "k2", "hash-c")
	require.NoError(t, err)
	require.NoError(t, s.ClearIdempotency(ctx, endpoint, "k2"))
	lookup, err = s.BeginIdempotency(ctx, endpoint, "k2", "hash-d")
	require.NoError(t, err, "a cleared key can be reserved again")
	assert.False(t, lookup.Completed)
	require.NoError(t, s.ClearIdempotency(ctx, endpoint, "k1"))
	replay, err = s.BeginIdempotency(ctx, endpoint, "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed, "clear leaves completed keys alone")

	time.Sleep(5 * time.Millisecond)
	n, err := s.CleanupIdempotencyKeys(ctx, time.Hour, time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1), "the abandoned k2 reservation expires")
	replay, err = s.BeginIdempotency(ctx, endpoint, "k1", "hash-a")
	require.NoError(t, err)
	assert.True(t, replay.Completed, "completed keys outlive the in-progress TTL")

	n, err = s.CleanupIdempotencyKeys(ctx, time.Millisecond, time.Hour)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	lookup, err = s.BeginIdempotency(ctx, endpoint, "k1", "hash-z")
	require.NoError(t, err, "an expired key is free again")
	assert.False(t, lookup.Completed)
}

func testListRuns(t *testing.T, s storage.Store) {
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "list-"+uuid.NewString()[:8], nil)
	require.NoError(t, err)

	var ids []int64
	for i := range 3 {
		r, err := s.CreateRun(ctx, model.CreateRunParams{ProjectID: &p.ID, Goal: fmt.Sprintf("g%d", i), RunType: model.RunTypeSimple})
		require.NoError(t, err)
		ids = append(ids, r.ID)
	}
	claim(t, s, ids[0], "w1")

	runs, total, err := s.ListRuns(ctx, model.RunFilter{ProjectID: &p.ID, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].ID, "newest first")

	queued := model.RunStatusQueued
	runs, total, err = s.ListRuns(ctx, model.RunFilter{ProjectID: &p.ID, Status: &queued, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, runs, 1)
}

// RunAppendFailure checks that a failed event insert rolls back the state
// change it narrates. failAppends must make every later run_events insert
// fail on s.
func RunAppendFailure(t *testing.T, s storage.Store, failAppends func(t *testing.T)) {
	ctx := context.Background()
	run := newRun(t, s, "no narration, no change")
	failAppends(t)

	lease := time.Now().Add(time.Minute)
	_, _, err := s.TransitionRun(ctx, model.RunTransition{
		RunID: run.ID, From: model.RunStatusQueued, To: model.RunStatusRunning,
		Owner: "w1", LeaseUntil: &lease,
	})
	require.ErrorIs(t, err, model.ErrPersistence)

	yes := true
	_, _, err = s.RecordControl(ctx, model.ControlRecord{
		RunID: run.ID, Op: "stop", Update: model.SignalUpdate{StopRequested: &yes},
		Event: model.SignalPayload{Signal: model.EventStopRequested, RequestedAt: time.Now().UTC()},
	})
	require.ErrorIs(t, err, model.ErrPersistence)

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusQueued, got.Status)
	assert.Nil(t, got.Owner)

	sig, err := s.GetSignals(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, sig.StopRequested)

	events, err := s.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}
