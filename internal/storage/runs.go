package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const runColumns = `id, project_id, name, goal, run_type, status, current_iteration, options,
	error, owner, lease_until, created_at, updated_at, started_at, completed_at`

// CreateRun inserts a new QUEUED run. No event is appended: a run's history
// begins when a worker claims it.
func (db *DB) CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error) {
	opts, err := json.Marshal(nonNilOptions(p.Options))
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: marshal run options: %w", err)
	}
	row := db.pool.QueryRow(ctx,
		`INSERT INTO runs (project_id, name, goal, run_type, status, options)
		 VALUES ($1, $2, $3, $4, 'QUEUED', $5)
		 RETURNING `+runColumns,
		p.ProjectID, p.Name, p.Goal, p.RunType, opts,
	)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, wrapErr("create run", err)
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (db *DB) GetRun(ctx context.Context, id int64) (model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		return model.Run{}, wrapErr(fmt.Sprintf("get run %d", id), err)
	}
	return run, nil
}

// ListRuns returns runs newest first, plus the total matching the filter.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error) {
	where := ` WHERE ($1::text IS NULL OR status = $1) AND ($2::bigint IS NULL OR project_id = $2)`
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT count(*) FROM runs`+where, status, f.ProjectID).Scan(&total); err != nil {
		return nil, 0, wrapErr("count runs", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY id DESC LIMIT $3 OFFSET $4`,
		status, f.ProjectID, limit, f.Offset,
	)
	if err != nil {
		return nil, 0, wrapErr("list runs", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, wrapErr("list runs", err)
		}
		runs = append(runs, r)
	}
	return runs, total, wrapErr("list runs", rows.Err())
}

// ListClaimable returns up to limit runs a worker may claim or adopt.
func (db *DB) ListClaimable(ctx context.Context, now time.Time, limit int) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs r
		 WHERE (r.status = 'QUEUED'
		        OR (r.status = 'RUNNING' AND (r.owner IS NULL OR r.lease_until IS NULL OR r.lease_until < $1)))
		   AND NOT EXISTS (
		        SELECT 1 FROM run_signals s
		        WHERE s.run_id = r.id AND s.paused AND NOT s.stop_requested)
		 ORDER BY r.id ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, wrapErr("list claimable runs", err)
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, wrapErr("list claimable runs", err)
		}
		runs = append(runs, r)
	}
	return runs, wrapErr("list claimable runs", rows.Err())
}

// TransitionRun applies a status compare-and-swap and appends STATUS_CHANGED
// in the same transaction. When the run is not in t.From the change is
// rejected with a *model.TransitionError and nothing is written.
func (db *DB) TransitionRun(ctx context.Context, t model.RunTransition) (model.Run, model.Event, error) {
	if err := model.CheckRunTransition(t.From, t.To); err != nil {
		return model.Run{}, model.Event{}, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		run   model.Run
		event model.Event
	)
	err := db.inTx(ctx, fmt.Sprintf("transition run %d", t.RunID), func(tx pgx.Tx) error {
		var row pgx.Row
		if t.To == model.RunStatusRunning {
			row = tx.QueryRow(ctx,
				`UPDATE runs SET status = $2, owner = $3, lease_until = $4,
				        started_at = COALESCE(started_at, $5), updated_at = $5
				 WHERE id = $1 AND status = $6
				 RETURNING `+runColumns,
				t.RunID, string(t.To), nullIfEmpty(t.Owner), t.LeaseUntil, at, string(t.From),
			)
		} else {
			row = tx.QueryRow(ctx,
				`UPDATE runs SET status = $2, owner = NULL, lease_until = NULL,
				        error = COALESCE($3, error), completed_at = $4, updated_at = $4
				 WHERE id = $1 AND status = $5 AND ($6::text IS NULL OR owner = $6)
				 RETURNING `+runColumns,
				t.RunID, string(t.To), t.Error, at, string(t.From), nullIfEmpty(t.Owner),
			)
		}
		var err error
		run, err = scanRun(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return rejectTransition(ctx, tx, t)
		}
		if err != nil {
			return err
		}
		event, err = appendEvent(ctx, tx, t.RunID, model.StatusChangedPayload{
			From: t.From, To: t.To, Reason: t.Reason, At: at,
		}, at)
		return err
	})
	return run, event, err
}

// rejectTransition explains why a CAS matched no row.
func rejectTransition(ctx context.Context, tx pgx.Tx, t model.RunTransition) error {
	var (
		status string
		owner  *string
	)
	err := tx.QueryRow(ctx, `SELECT status, owner FROM runs WHERE id = $1`, t.RunID).Scan(&status, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("run %d: %w", t.RunID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if model.RunStatus(status) == t.From && t.Owner != "" {
		return fmt.Errorf("run %d held by %s: %w", t.RunID, derefOr(owner, "nobody"), model.ErrLeaseLost)
	}
	return &model.TransitionError{Entity: "run", From: status, To: string(t.To)}
}

// AdoptRun takes over a RUNNING run whose owner is gone. Any step the
// previous owner left RUNNING is failed first so the new owner starts clean.
func (db *DB) AdoptRun(ctx context.Context, runID int64, owner string, leaseUntil, now time.Time) (model.Run, []model.Event, error) {
	var (
		run    model.Run
		events []model.Event
	)
	err := db.inTx(ctx, fmt.Sprintf("adopt run %d", runID), func(tx pgx.Tx) error {
		events = nil
		current, err := scanRun(tx.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, runID))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("run %d: %w", runID, model.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current.Status != model.RunStatusRunning {
			return &model.TransitionError{Entity: "run", From: string(current.Status), To: string(model.RunStatusRunning)}
		}
		if !current.Adoptable(now) {
			return fmt.Errorf("run %d held by %s: %w", runID, derefOr(current.Owner, "nobody"), model.ErrInvalidTransition)
		}
		var paused, stop bool
		err = tx.QueryRow(ctx, `SELECT paused, stop_requested FROM run_signals WHERE run_id = $1`, runID).Scan(&paused, &stop)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if paused && !stop {
			return &model.OperationError{Op: "adopt paused", RunID: runID, Status: current.Status}
		}

		run, err = scanRun(tx.QueryRow(ctx,
			`UPDATE runs SET owner = $2, lease_until = $3, updated_at = $4
			 WHERE id = $1
			 RETURNING `+runColumns,
			runID, owner, leaseUntil, now,
		))
		if err != nil {
			return err
		}

		var idx, attempt int
		err = tx.QueryRow(ctx,
			`UPDATE run_steps SET status = 'FAILED', error = 'abandoned by previous owner', ended_at = $2
			 WHERE run_id = $1 AND status = 'RUNNING'
			 RETURNING step_index, attempt`,
			runID, now,
		).Scan(&idx, &attempt)
		switch {
		case err == nil:
			e, err := appendEvent(ctx, tx, runID, model.StepFailedPayload{
				StepIndex: idx, Attempt: attempt, Error: "abandoned by previous owner", Retryable: true, At: now,
			}, now)
			if err != nil {
				return err
			}
			events = append(events, e)
		case !errors.Is(err, pgx.ErrNoRows):
			return err
		}

		e, err := appendEvent(ctx, tx, runID, model.RunAdoptedPayload{
			WorkerID: owner, PreviousOwner: derefOr(current.Owner, ""),
		}, now)
		if err != nil {
			return err
		}
		events = append(events, e)
		return nil
	})
	return run, events, err
}

// ReleaseRun clears ownership of a RUNNING run without changing its status.
func (db *DB) ReleaseRun(ctx context.Context, runID int64, owner, reason string) (model.Event, error) {
	var event model.Event
	err := db.inTx(ctx, fmt.Sprintf("release run %d", runID), func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE runs SET owner = NULL, lease_until = NULL, updated_at = now()
			 WHERE id = $1 AND owner = $2 AND status = 'RUNNING'`,
			runID, owner,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("release run %d: %w", runID, model.ErrLeaseLost)
		}
		event, err = appendEvent(ctx, tx, runID, model.RunReleasedPayload{WorkerID: owner, Reason: reason}, time.Now().UTC())
		return err
	})
	return event, err
}

// RenewLease extends the owner's lease on a RUNNING run.
func (db *DB) RenewLease(ctx context.Context, runID int64, owner string, leaseUntil time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET lease_until = $3, updated_at = now()
		 WHERE id = $1 AND owner = $2 AND status = 'RUNNING'`,
		runID, owner, leaseUntil,
	)
	if err != nil {
		return wrapErr("renew lease", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: renew lease on run %d: %w", runID, model.ErrLeaseLost)
	}
	return nil
}

// lockRun takes a row lock on the run and returns its status and owner.
func lockRun(ctx context.Context, tx pgx.Tx, runID int64) (model.RunStatus, *string, error) {
	var (
		status string
		owner  *string
	)
	err := tx.QueryRow(ctx, `SELECT status, owner FROM runs WHERE id = $1 FOR UPDATE`, runID).Scan(&status, &owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, fmt.Errorf("run %d: %w", runID, model.ErrNotFound)
	}
	return model.RunStatus(status), owner, err
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		status string
		opts   []byte
	)
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.Name, &r.Goal, &r.RunType, &status, &r.CurrentIteration, &opts,
		&r.Error, &r.Owner, &r.LeaseUntil, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.CompletedAt,
	)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.Options = map[string]any{}
	if len(opts) > 0 {
		if err := json.Unmarshal(opts, &r.Options); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal options for run %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func nonNilOptions(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
