package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const stepColumns = `run_id, step_index, status, attempt, output, error, started_at, ended_at`

// StartStep opens step s.Index in RUNNING and appends STEP_STARTED. The run
// must be RUNNING and held by s.Owner, no other step of the run may be
// RUNNING, and an index is never reused.
func (db *DB) StartStep(ctx context.Context, s model.StepStart) (model.Step, model.Event, error) {
	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	attempt := max(s.Attempt, 1)

	var (
		step  model.Step
		event model.Event
	)
	err := db.inTx(ctx, fmt.Sprintf("start step %d of run %d", s.Index, s.RunID), func(tx pgx.Tx) error {
		if err := checkOwned(ctx, tx, s.RunID, s.Owner, "start step"); err != nil {
			return err
		}

		var running int
		err := tx.QueryRow(ctx,
			`SELECT step_index FROM run_steps WHERE run_id = $1 AND status = 'RUNNING'`, s.RunID,
		).Scan(&running)
		if err == nil {
			return fmt.Errorf("step %d of run %d is still running: %w", running, s.RunID, model.ErrInvalidTransition)
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var existing string
		err = tx.QueryRow(ctx,
			`SELECT status FROM run_steps WHERE run_id = $1 AND step_index = $2`, s.RunID, s.Index,
		).Scan(&existing)
		if err == nil {
			return &model.TransitionError{Entity: "step", From: existing, To: string(model.StepStatusRunning)}
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		step, err = scanStep(tx.QueryRow(ctx,
			`INSERT INTO run_steps (run_id, step_index, status, attempt, started_at)
			 VALUES ($1, $2, 'RUNNING', $3, $4)
			 RETURNING `+stepColumns,
			s.RunID, s.Index, attempt, at,
		))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE runs SET current_iteration = GREATEST(current_iteration, $2), updated_at = $3 WHERE id = $1`,
			s.RunID, s.Index+1, at,
		); err != nil {
			return err
		}
		event, err = appendEvent(ctx, tx, s.RunID, model.StepStartedPayload{
			StepIndex: s.Index, Attempt: attempt, At: at,
		}, at)
		return err
	})
	return step, event, err
}

// FinishStep moves a RUNNING step to COMPLETED or FAILED and appends the
// matching STEP_* event.
func (db *DB) FinishStep(ctx context.Context, s model.StepFinish) (model.Step, model.Event, error) {
	if err := model.CheckStepTransition(model.StepStatusRunning, s.To); err != nil {
		return model.Step{}, model.Event{}, err
	}
	at := s.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		step  model.Step
		event model.Event
	)
	err := db.inTx(ctx, fmt.Sprintf("finish step %d of run %d", s.Index, s.RunID), func(tx pgx.Tx) error {
		if err := checkOwned(ctx, tx, s.RunID, s.Owner, "finish step"); err != nil {
			return err
		}

		var err error
		step, err = scanStep(tx.QueryRow(ctx,
			`UPDATE run_steps SET status = $3, output = $4, error = $5, ended_at = $6
			 WHERE run_id = $1 AND step_index = $2 AND status = 'RUNNING'
			 RETURNING `+stepColumns,
			s.RunID, s.Index, string(s.To), s.Output, s.Error, at,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var current string
			qerr := tx.QueryRow(ctx,
				`SELECT status FROM run_steps WHERE run_id = $1 AND step_index = $2`, s.RunID, s.Index,
			).Scan(&current)
			if errors.Is(qerr, pgx.ErrNoRows) {
				return fmt.Errorf("step %d of run %d: %w", s.Index, s.RunID, model.ErrNotFound)
			}
			if qerr != nil {
				return qerr
			}
			return &model.TransitionError{Entity: "step", From: current, To: string(s.To)}
		}
		if err != nil {
			return err
		}

		var payload model.EventPayload
		if s.To == model.StepStatusCompleted {
			payload = model.StepCompletedPayload{
				StepIndex: s.Index, Attempt: step.Attempt, Output: derefOr(s.Output, ""), At: at,
			}
		} else {
			payload = model.StepFailedPayload{
				StepIndex: s.Index, Attempt: step.Attempt, Error: derefOr(s.Error, ""), Retryable: s.Retryable, At: at,
			}
		}
		event, err = appendEvent(ctx, tx, s.RunID, payload, at)
		return err
	})
	return step, event, err
}

// ListSteps returns a run's steps in index order.
func (db *DB) ListSteps(ctx context.Context, runID int64) ([]model.Step, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = $1 ORDER BY step_index ASC`, runID)
	if err != nil {
		return nil, wrapErr("list steps", err)
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, wrapErr("list steps", err)
		}
		steps = append(steps, st)
	}
	return steps, wrapErr("list steps", rows.Err())
}

// checkOwned locks the run and verifies it is RUNNING under owner.
func checkOwned(ctx context.Context, tx pgx.Tx, runID int64, owner, op string) error {
	status, current, err := lockRun(ctx, tx, runID)
	if err != nil {
		return err
	}
	if status != model.RunStatusRunning {
		return &model.OperationError{Op: op, RunID: runID, Status: status}
	}
	if owner != "" && derefOr(current, "") != owner {
		return fmt.Errorf("run %d held by %s: %w", runID, derefOr(current, "nobody"), model.ErrLeaseLost)
	}
	return nil
}

func scanStep(row pgx.Row) (model.Step, error) {
	var (
		st     model.Step
		status string
	)
	if err := row.Scan(&st.RunID, &st.Index, &status, &st.Attempt, &st.Output, &st.Error, &st.StartedAt, &st.EndedAt); err != nil {
		return model.Step{}, err
	}
	st.Status = model.StepStatus(status)
	return st, nil
}
