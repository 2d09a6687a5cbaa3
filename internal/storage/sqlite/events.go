package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// AppendEvent durably appends a single event for a run that exists.
func (s *Store) AppendEvent(ctx context.Context, runID int64, p model.EventPayload) (model.Event, error) {
	var e model.Event
	err := s.inTx(ctx, "append event", func(st *txState) error {
		var err error
		e, err = appendEvent(ctx, st, runID, p, time.Now())
		return err
	})
	return e, err
}

// ListEvents returns events for a run with id greater than afterID, ascending.
func (s *Store) ListEvents(ctx context.Context, runID, afterID int64, limit int) ([]model.Event, error) {
	return s.queryEvents(ctx, "list events",
		`SELECT id, run_id, event_type, payload, created_at FROM run_events
		 WHERE run_id = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		runID, afterID, storage.ClampEventLimit(limit),
	)
}

// ListEventsOfType is ListEvents for a single event type.
func (s *Store) ListEventsOfType(ctx context.Context, runID int64, typ model.EventType, afterID int64, limit int) ([]model.Event, error) {
	return s.queryEvents(ctx, "list "+string(typ)+" events",
		`SELECT id, run_id, event_type, payload, created_at FROM run_events
		 WHERE run_id = ? AND event_type = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		runID, string(typ), afterID, storage.ClampEventLimit(limit),
	)
}

func (s *Store) queryEvents(ctx context.Context, op, query string, args ...any) ([]model.Event, error) {
	rows, err := s.ro.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			eventType string
			payload   string
		)
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &payload, textTime{&e.CreatedAt}); err != nil {
			return nil, wrapErr(op, err)
		}
		e.Type = model.EventType(eventType)
		e.Payload = []byte(payload)
		events = append(events, e)
	}
	return events, wrapErr(op, rows.Err())
}

const stepColumns = `run_id, step_index, status, attempt, output, error, started_at, ended_at`

// StartStep opens step s.Index in RUNNING and appends STEP_STARTED.
func (s *Store) StartStep(ctx context.Context, in model.StepStart) (model.Step, model.Event, error) {
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}
	attempt := max(in.Attempt, 1)
	ts := formatTime(at)

	var (
		step  model.Step
		event model.Event
	)
	err := s.inTx(ctx, fmt.Sprintf("start step %d of run %d", in.Index, in.RunID), func(st *txState) error {
		if err := checkOwned(ctx, st.tx, in.RunID, in.Owner, "start step"); err != nil {
			return err
		}

		var running int
		err := st.tx.QueryRowContext(ctx,
			`SELECT step_index FROM run_steps WHERE run_id = ? AND status = 'RUNNING'`, in.RunID,
		).Scan(&running)
		if err == nil {
			return fmt.Errorf("step %d of run %d is still running: %w", running, in.RunID, model.ErrInvalidTransition)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var existing string
		err = st.tx.QueryRowContext(ctx,
			`SELECT status FROM run_steps WHERE run_id = ? AND step_index = ?`, in.RunID, in.Index,
		).Scan(&existing)
		if err == nil {
			return &model.TransitionError{Entity: "step", From: existing, To: string(model.StepStatusRunning)}
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		if _, err := st.tx.ExecContext(ctx,
			`INSERT INTO run_steps (run_id, step_index, status, attempt, started_at) VALUES (?, ?, 'RUNNING', ?, ?)`,
			in.RunID, in.Index, attempt, ts,
		); err != nil {
			return err
		}
		if _, err := st.tx.ExecContext(ctx,
			`UPDATE runs SET current_iteration = max(current_iteration, ?), updated_at = ? WHERE id = ?`,
			in.Index+1, ts, in.RunID,
		); err != nil {
			return err
		}
		if step, err = getStep(ctx, st.tx, in.RunID, in.Index); err != nil {
			return err
		}
		event, err = appendEvent(ctx, st, in.RunID, model.StepStartedPayload{
			StepIndex: in.Index, Attempt: attempt, At: at.UTC(),
		}, at)
		return err
	})
	return step, event, err
}

// FinishStep moves a RUNNING step to COMPLETED or FAILED.
func (s *Store) FinishStep(ctx context.Context, in model.StepFinish) (model.Step, model.Event, error) {
	if err := model.CheckStepTransition(model.StepStatusRunning, in.To); err != nil {
		return model.Step{}, model.Event{}, err
	}
	at := in.At
	if at.IsZero() {
		at = time.Now()
	}

	var (
		step  model.Step
		event model.Event
	)
	err := s.inTx(ctx, fmt.Sprintf("finish step %d of run %d", in.Index, in.RunID), func(st *txState) error {
		if err := checkOwned(ctx, st.tx, in.RunID, in.Owner, "finish step"); err != nil {
			return err
		}
		res, err := st.tx.ExecContext(ctx,
			`UPDATE run_steps SET status = ?, output = ?, error = ?, ended_at = ?
			 WHERE run_id = ? AND step_index = ? AND status = 'RUNNING'`,
			string(in.To), in.Output, in.Error, formatTime(at), in.RunID, in.Index,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			current, err := getStep(ctx, st.tx, in.RunID, in.Index)
			if err != nil {
				return err
			}
			return &model.TransitionError{Entity: "step", From: string(current.Status), To: string(in.To)}
		}
		if step, err = getStep(ctx, st.tx, in.RunID, in.Index); err != nil {
			return err
		}

		var payload model.EventPayload
		if in.To == model.StepStatusCompleted {
			payload = model.StepCompletedPayload{
				StepIndex: in.Index, Attempt: step.Attempt, Output: derefOr(in.Output, ""), At: at.UTC(),
			}
		} else {
			payload = model.StepFailedPayload{
				StepIndex: in.Index, Attempt: step.Attempt, Error: derefOr(in.Error, ""), Retryable: in.Retryable, At: at.UTC(),
			}
		}
		event, err = appendEvent(ctx, st, in.RunID, payload, at)
		return err
	})
	return step, event, err
}

// ListSteps returns a run's steps in index order.
func (s *Store) ListSteps(ctx context.Context, runID int64) ([]model.Step, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? ORDER BY step_index ASC`, runID)
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

func getStep(ctx context.Context, q queryer, runID int64, idx int) (model.Step, error) {
	st, err := scanStep(q.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? AND step_index = ?`, runID, idx))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Step{}, fmt.Errorf("step %d of run %d: %w", idx, runID, model.ErrNotFound)
	}
	return st, err
}

func scanStep(row rowScanner) (model.Step, error) {
	var (
		st     model.Step
		status string
	)
	err := row.Scan(&st.RunID, &st.Index, &status, &st.Attempt, &st.Output, &st.Error,
		nullTime{&st.StartedAt}, nullTime{&st.EndedAt})
	if err != nil {
		return model.Step{}, err
	}
	st.Status = model.StepStatus(status)
	return st, nil
}

// GetSignals returns the cooperative signals for a run.
func (s *Store) GetSignals(ctx context.Context, runID int64) (model.RunSignals, error) {
	sig := model.RunSignals{RunID: runID}
	var updated *time.Time
	err := s.ro.QueryRowContext(ctx,
		`SELECT COALESCE(s.paused, 0), COALESCE(s.stop_requested, 0), s.updated_at
		 FROM runs r LEFT JOIN run_signals s ON s.run_id = r.id
		 WHERE r.id = ?`, runID,
	).Scan(&sig.Paused, &sig.StopRequested, nullTime{&updated})
	if err != nil {
		return model.RunSignals{}, wrapErr(fmt.Sprintf("get signals for run %d", runID), err)
	}
	if updated != nil {
		sig.UpdatedAt = *updated
	}
	return sig, nil
}

// RecordControl rejects the action on terminal runs, applies the signal
// update and appends the narrating event in one transaction.
func (s *Store) RecordControl(ctx context.Context, c model.ControlRecord) (model.RunSignals, model.Event, error) {
	at := c.At
	if at.IsZero() {
		at = time.Now()
	}
	if c.Event == nil {
		return model.RunSignals{}, model.Event{}, fmt.Errorf("sqlite: %s run %d: control record without event", c.Op, c.RunID)
	}

	var (
		sig   model.RunSignals
		event model.Event
	)
	err := s.inTx(ctx, fmt.Sprintf("%s run %d", c.Op, c.RunID), func(st *txState) error {
		run, err := getRun(ctx, st.tx, c.RunID)
		if err != nil {
			return err
		}
		if run.Status.Terminal() {
			return &model.OperationError{Op: c.Op, RunID: c.RunID, Status: run.Status}
		}

		sig = model.RunSignals{RunID: c.RunID}
		err = st.tx.QueryRowContext(ctx,
			`INSERT INTO run_signals (run_id, paused, stop_requested, updated_at)
			 VALUES (?1, COALESCE(?2, 0), COALESCE(?3, 0), ?4)
			 ON CONFLICT (run_id) DO UPDATE SET
			     paused = COALESCE(?2, run_signals.paused),
			     stop_requested = COALESCE(?3, run_signals.stop_requested),
			     updated_at = ?4
			 RETURNING paused, stop_requested, updated_at`,
			c.RunID, boolArg(c.Update.Paused), boolArg(c.Update.StopRequested), formatTime(at),
		).Scan(&sig.Paused, &sig.StopRequested, textTime{&sig.UpdatedAt})
		if err != nil {
			return err
		}
		event, err = appendEvent(ctx, st, c.RunID, c.Event, at)
		return err
	})
	return sig, event, err
}

func boolArg(b *bool) any {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
