package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

const runColumns = `id, project_id, name, goal, run_type, status, current_iteration, options,
	error, owner, lease_until, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateRun inserts a new QUEUED run.
func (s *Store) CreateRun(ctx context.Context, p model.CreateRunParams) (model.Run, error) {
	opts := p.Options
	if opts == nil {
		opts = map[string]any{}
	}
	raw, err := json.Marshal(opts)
	if err != nil {
		return model.Run{}, fmt.Errorf("sqlite: marshal run options: %w", err)
	}
	now := formatTime(time.Now())

	var run model.Run
	err = s.inTx(ctx, "create run", func(st *txState) error {
		res, err := st.tx.ExecContext(ctx,
			`INSERT INTO runs (project_id, name, goal, run_type, status, options, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 'QUEUED', ?, ?, ?)`,
			p.ProjectID, p.Name, p.Goal, p.RunType, string(raw), now, now,
		)
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		run, err = getRun(ctx, st.tx, id)
		return err
	})
	return run, err
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (model.Run, error) {
	run, err := getRun(ctx, s.ro, id)
	if err != nil {
		return model.Run{}, wrapErr(fmt.Sprintf("get run %d", id), err)
	}
	return run, nil
}

func getRun(ctx context.Context, q queryer, id int64) (model.Run, error) {
	run, err := scanRun(q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, fmt.Errorf("run %d: %w", id, model.ErrNotFound)
	}
	return run, err
}

// ListRuns returns runs newest first, plus the total matching the filter.
func (s *Store) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, int, error) {
	where := ` WHERE (?1 IS NULL OR status = ?1) AND (?2 IS NULL OR project_id = ?2)`
	var status any
	if f.Status != nil {
		status = string(*f.Status)
	}
	var project any
	if f.ProjectID != nil {
		project = *f.ProjectID
	}

	var total int
	if err := s.ro.QueryRowContext(ctx, `SELECT count(*) FROM runs`+where, status, project).Scan(&total); err != nil {
		return nil, 0, wrapErr("count runs", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs`+where+` ORDER BY id DESC LIMIT ?3 OFFSET ?4`,
		status, project, limit, f.Offset,
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
func (s *Store) ListClaimable(ctx context.Context, now time.Time, limit int) ([]model.Run, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs r
		 WHERE (r.status = 'QUEUED'
		        OR (r.status = 'RUNNING' AND (r.owner IS NULL OR r.lease_until IS NULL OR r.lease_until < ?)))
		   AND NOT EXISTS (
		        SELECT 1 FROM run_signals s
		        WHERE s.run_id = r.id AND s.paused = 1 AND s.stop_requested = 0)
		 ORDER BY r.id ASC
		 LIMIT ?`,
		formatTime(now), limit,
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

// TransitionRun applies a status compare-and-swap and appends STATUS_CHANGED.
func (s *Store) TransitionRun(ctx context.Context, t model.RunTransition) (model.Run, model.Event, error) {
	if err := model.CheckRunTransition(t.From, t.To); err != nil {
		return model.Run{}, model.Event{}, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := formatTime(at)

	var (
		run   model.Run
		event model.Event
	)
	err := s.inTx(ctx, fmt.Sprintf("transition run %d", t.RunID), func(st *txState) error {
		var (
			res sql.Result
			err error
		)
		if t.To == model.RunStatusRunning {
			var lease any
			if t.LeaseUntil != nil {
				lease = formatTime(*t.LeaseUntil)
			}
			res, err = st.tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, owner = ?, lease_until = ?,
				        started_at = COALESCE(started_at, ?), updated_at = ?
				 WHERE id = ? AND status = ?`,
				string(t.To), nullIfEmpty(t.Owner), lease, ts, ts, t.RunID, string(t.From),
			)
		} else {
			res, err = st.tx.ExecContext(ctx,
				`UPDATE runs SET status = ?, owner = NULL, lease_until = NULL,
				        error = COALESCE(?, error), completed_at = ?, updated_at = ?
				 WHERE id = ? AND status = ? AND (?7 IS NULL OR owner = ?7)`,
				string(t.To), t.Error, ts, ts, t.RunID, string(t.From), nullIfEmpty(t.Owner),
			)
		}
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return rejectTransition(ctx, st.tx, t)
		}
		if run, err = getRun(ctx, st.tx, t.RunID); err != nil {
			return err
		}
		event, err = appendEvent(ctx, st, t.RunID, model.StatusChangedPayload{
			From: t.From, To: t.To, Reason: t.Reason, At: at.UTC(),
		}, at)
		return err
	})
	return run, event, err
}

func rejectTransition(ctx context.Context, tx *sql.Tx, t model.RunTransition) error {
	current, err := getRun(ctx, tx, t.RunID)
	if err != nil {
		return err
	}
	if current.Status == t.From && t.Owner != "" {
		return fmt.Errorf("run %d held by %s: %w", t.RunID, derefOr(current.Owner, "nobody"), model.ErrLeaseLost)
	}
	return &model.TransitionError{Entity: "run", From: string(current.Status), To: string(t.To)}
}

// AdoptRun takes over a RUNNING run whose owner is gone, failing any step
// the previous owner left RUNNING.
func (s *Store) AdoptRun(ctx context.Context, runID int64, owner string, leaseUntil, now time.Time) (model.Run, []model.Event, error) {
	var (
		run    model.Run
		events []model.Event
	)
	err := s.inTx(ctx, fmt.Sprintf("adopt run %d", runID), func(st *txState) error {
		current, err := getRun(ctx, st.tx, runID)
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
		err = st.tx.QueryRowContext(ctx,
			`SELECT paused, stop_requested FROM run_signals WHERE run_id = ?`, runID,
		).Scan(&paused, &stop)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if paused && !stop {
			return &model.OperationError{Op: "adopt paused", RunID: runID, Status: current.Status}
		}

		ts := formatTime(now)
		if _, err := st.tx.ExecContext(ctx,
			`UPDATE runs SET owner = ?, lease_until = ?, updated_at = ? WHERE id = ?`,
			owner, formatTime(leaseUntil), ts, runID,
		); err != nil {
			return err
		}

		var idx, attempt int
		err = st.tx.QueryRowContext(ctx,
			`SELECT step_index, attempt FROM run_steps WHERE run_id = ? AND status = 'RUNNING'`, runID,
		).Scan(&idx, &attempt)
		switch {
		case err == nil:
			if _, err := st.tx.ExecContext(ctx,
				`UPDATE run_steps SET status = 'FAILED', error = 'abandoned by previous owner', ended_at = ?
				 WHERE run_id = ? AND step_index = ?`,
				ts, runID, idx,
			); err != nil {
				return err
			}
			e, err := appendEvent(ctx, st, runID, model.StepFailedPayload{
				StepIndex: idx, Attempt: attempt, Error: "abandoned by previous owner", Retryable: true, At: now.UTC(),
			}, now)
			if err != nil {
				return err
			}
			events = append(events, e)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}

		e, err := appendEvent(ctx, st, runID, model.RunAdoptedPayload{
			WorkerID: owner, PreviousOwner: derefOr(current.Owner, ""),
		}, now)
		if err != nil {
			return err
		}
		events = append(events, e)
		run, err = getRun(ctx, st.tx, runID)
		return err
	})
	return run, events, err
}

// ReleaseRun clears ownership of a RUNNING run without changing its status.
func (s *Store) ReleaseRun(ctx context.Context, runID int64, owner, reason string) (model.Event, error) {
	var event model.Event
	err := s.inTx(ctx, fmt.Sprintf("release run %d", runID), func(st *txState) error {
		now := time.Now()
		res, err := st.tx.ExecContext(ctx,
			`UPDATE runs SET owner = NULL, lease_until = NULL, updated_at = ?
			 WHERE id = ? AND owner = ? AND status = 'RUNNING'`,
			formatTime(now), runID, owner,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("release run %d: %w", runID, model.ErrLeaseLost)
		}
		event, err = appendEvent(ctx, st, runID, model.RunReleasedPayload{WorkerID: owner, Reason: reason}, now)
		return err
	})
	return event, err
}

// RenewLease extends the owner's lease on a RUNNING run.
func (s *Store) RenewLease(ctx context.Context, runID int64, owner string, leaseUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET lease_until = ?, updated_at = ?
		 WHERE id = ? AND owner = ? AND status = 'RUNNING'`,
		formatTime(leaseUntil), formatTime(time.Now()), runID, owner,
	)
	if err != nil {
		return wrapErr("renew lease", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: renew lease on run %d: %w", runID, model.ErrLeaseLost)
	}
	return nil
}

// checkOwned verifies the run is RUNNING under owner. The single writer
// connection already serializes the enclosing transaction.
func checkOwned(ctx context.Context, tx *sql.Tx, runID int64, owner, op string) error {
	var (
		status  string
		current *string
	)
	err := tx.QueryRowContext(ctx, `SELECT status, owner FROM runs WHERE id = ?`, runID).Scan(&status, &current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %d: %w", runID, model.ErrNotFound)
	}
	if err != nil {
		return err
	}
	if model.RunStatus(status) != model.RunStatusRunning {
		return &model.OperationError{Op: op, RunID: runID, Status: model.RunStatus(status)}
	}
	if owner != "" && derefOr(current, "") != owner {
		return fmt.Errorf("run %d held by %s: %w", runID, derefOr(current, "nobody"), model.ErrLeaseLost)
	}
	return nil
}

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r      model.Run
		status string
		opts   string
	)
	err := row.Scan(
		&r.ID, &r.ProjectID, &r.Name, &r.Goal, &r.RunType, &status, &r.CurrentIteration, &opts,
		&r.Error, &r.Owner, nullTime{&r.LeaseUntil}, textTime{&r.CreatedAt}, textTime{&r.UpdatedAt},
		nullTime{&r.StartedAt}, nullTime{&r.CompletedAt},
	)
	if err != nil {
		return model.Run{}, err
	}
	r.Status = model.RunStatus(status)
	r.Options = map[string]any{}
	if opts != "" {
		if err := json.Unmarshal([]byte(opts), &r.Options); err != nil {
			return model.Run{}, fmt.Errorf("unmarshal options for run %d: %w", r.ID, err)
		}
	}
	return r, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
