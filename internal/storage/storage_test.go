package storage_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"testing/fstest"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
	"github.com/ashita-ai/kiroku/internal/storage/storetest"
	"github.com/ashita-ai/kiroku/internal/testutil"
	"github.com/ashita-ai/kiroku/migrations"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc, err := testutil.StartPostgres()
	if err != nil {
		fmt.Fprintln(os.Stderr, "skipping postgres storage tests:", err)
		os.Exit(0)
	}

	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storage.Store { return testDB })
}

func TestFailedAppendRollsBackChange(t *testing.T) {
	storetest.RunAppendFailure(t, testDB, func(t *testing.T) {
		ctx := context.Background()
		_, err := testDB.Pool().Exec(ctx, `
			CREATE OR REPLACE FUNCTION kiroku_reject_event() RETURNS trigger AS $$
			BEGIN RAISE EXCEPTION 'event log unavailable'; END;
			$$ LANGUAGE plpgsql;
			CREATE TRIGGER kiroku_reject_event BEFORE INSERT ON run_events
			FOR EACH ROW EXECUTE FUNCTION kiroku_reject_event();`)
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = testDB.Pool().Exec(context.Background(), `
				DROP TRIGGER IF EXISTS kiroku_reject_event ON run_events;
				DROP FUNCTION IF EXISTS kiroku_reject_event();`)
		})
	})
}

func TestMigrationsAreIdempotent(t *testing.T) {
	require.NoError(t, testDB.RunMigrations(context.Background(), migrations.FS))

	var n int
	err := testDB.Pool().QueryRow(context.Background(), `SELECT count(*) FROM schema_migrations`).Scan(&n)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestEventsAreImmutable(t *testing.T) {
	ctx := context.Background()
	run, err := testDB.CreateRun(ctx, model.CreateRunParams{Goal: "immutable", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	e, err := testDB.AppendEvent(ctx, run.ID, model.AgentMessagePayload{Kind: model.MessageLog, Message: "hello"})
	require.NoError(t, err)

	_, err = testDB.Pool().Exec(ctx, `UPDATE run_events SET event_type = 'HEARTBEAT' WHERE id = $1`, e.ID)
	require.Error(t, err)
	_, err = testDB.Pool().Exec(ctx, `DELETE FROM run_events WHERE id = $1`, e.ID)
	require.Error(t, err)

	events, err := testDB.ListEvents(ctx, run.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventAgentMessage, events[0].Type)
}

func TestAppendNotifiesOnCommit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.True(t, testDB.HasNotifyConn())
	require.NoError(t, testDB.ListenEvents(ctx))

	run, err := testDB.CreateRun(ctx, model.CreateRunParams{Goal: "notify", RunType: model.RunTypeSimple})
	require.NoError(t, err)
	e, err := testDB.AppendEvent(ctx, run.ID, model.HeartbeatPayload{WorkerID: "w1", At: time.Now().UTC()})
	require.NoError(t, err)

	// Other tests share the channel; skip unrelated notices.
	for {
		n, err := testDB.NextEventNotice(ctx)
		require.NoError(t, err)
		if n.RunID != run.ID {
			continue
		}
		assert.Equal(t, e.ID, n.EventID)
		return
	}
}

func TestParseEventNotice(t *testing.T) {
	n, err := storage.ParseEventNotice(`{"run_id":7,"event_id":42}`)
	require.NoError(t, err)
	assert.Equal(t, storage.EventNotice{RunID: 7, EventID: 42}, n)

	_, err = storage.ParseEventNotice(`{"event_id":42}`)
	assert.Error(t, err)
	_, err = storage.ParseEventNotice(`not json`)
	assert.ErrorIs(t, err, storage.ErrBadNotice)
	assert.Error(t, err)
}

func TestClampEventLimit(t *testing.T) {
	assert.Equal(t, storage.DefaultEventPage, storage.ClampEventLimit(0))
	assert.Equal(t, storage.DefaultEventPage, storage.ClampEventLimit(-3))
	assert.Equal(t, 10, storage.ClampEventLimit(10))
	assert.Equal(t, storage.MaxEventPage, storage.ClampEventLimit(storage.MaxEventPage+1))
}

func TestWithRetry(t *testing.T) {
	t.Run("retries serialization failures", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			if calls < 3 {
				return &pgconn.PgError{Code: "40001"}
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry domain errors", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(context.Background(), 3, time.Millisecond, func() error {
			calls++
			return model.ErrInvalidTransition
		})
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
		assert.Equal(t, 1, calls)
	})

	t.Run("retries lock timeouts", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(context.Background(), 1, time.Millisecond, func() error {
			calls++
			if calls == 1 {
				return fmt.Errorf("append: %w", &pgconn.PgError{Code: "55P03"})
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("stops when the context ends", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := storage.WithRetry(ctx, 5, time.Hour, func() error {
			return &pgconn.PgError{Code: "40001"}
		})
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		calls := 0
		err := storage.WithRetry(context.Background(), 2, time.Millisecond, func() error {
			calls++
			return &pgconn.PgError{Code: "40P01"}
		})
		var pgErr *pgconn.PgError
		require.True(t, errors.As(err, &pgErr))
		assert.Equal(t, 3, calls)
	})
}

func TestGetRunClassifiesMissingRows(t *testing.T) {
	_, err := testDB.GetRun(context.Background(), -1)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.False(t, errors.Is(err, model.ErrPersistence))
}

func TestLoadMigrations(t *testing.T) {
	builtin := fstest.MapFS{
		"002_b.sql": {Data: []byte("CREATE TABLE b ();")},
		"001_a.sql": {Data: []byte("CREATE TABLE a ();")},
		"README.md": {Data: []byte("not sql")},
		"003_c.sql": {Data: []byte("  \n")},
	}
	extra := fstest.MapFS{"100_ext.sql": {Data: []byte("CREATE TABLE ext ();")}}

	migs, err := storage.LoadMigrations(builtin, extra)
	require.NoError(t, err)
	var versions []string
	for _, m := range migs {
		versions = append(versions, m.Version)
	}
	assert.Equal(t, []string{"001_a.sql", "002_b.sql", "100_ext.sql"}, versions, "sorted per source, blanks skipped")

	_, err = storage.LoadMigrations(builtin, fstest.MapFS{"001_a.sql": {Data: []byte("x")}})
	assert.ErrorContains(t, err, "duplicate migration 001_a.sql")
}

