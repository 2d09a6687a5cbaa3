package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

// GetSignals returns the cooperative signals for a run. A run that never
// received a control action has all signals cleared.
func (db *DB) GetSignals(ctx context.Context, runID int64) (model.RunSignals, error) {
	sig := model.RunSignals{RunID: runID}
	var updated *time.Time
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(s.paused, false), COALESCE(s.stop_requested, false), s.updated_at
		 FROM runs r LEFT JOIN run_signals s ON s.run_id = r.id
		 WHERE r.id = $1`, runID,
	).Scan(&sig.Paused, &sig.StopRequested, &updated)
	if err != nil {
		return model.RunSignals{}, wrapErr(fmt.Sprintf("get signals for run %d", runID), err)
	}
	if updated != nil {
		sig.UpdatedAt = *updated
	}
	return sig, nil
}

// RecordControl durably records a control action: it locks the run, rejects
// the action if the run is terminal, applies the signal update and appends
// the narrating event, all in one transaction.
func (db *DB) RecordControl(ctx context.Context, c model.ControlRecord) (model.RunSignals, model.Event, error) {
	at := c.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var (
		sig   model.RunSignals
		event model.Event
	)
	err := db.inTx(ctx, fmt.Sprintf("%s run %d", c.Op, c.RunID), func(tx pgx.Tx) error {
		status, _, err := lockRun(ctx, tx, c.RunID)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return &model.OperationError{Op: c.Op, RunID: c.RunID, Status: status}
		}

		sig = model.RunSignals{RunID: c.RunID}
		err = tx.QueryRow(ctx,
			`INSERT INTO run_signals (run_id, paused, stop_requested, updated_at)
			 VALUES ($1, COALESCE($2, false), COALESCE($3, false), $4)
			 ON CONFLICT (run_id) DO UPDATE SET
			     paused = COALESCE($2, run_signals.paused),
			     stop_requested = COALESCE($3, run_signals.stop_requested),
			     updated_at = $4
			 RETURNING paused, stop_requested, updated_at`,
			c.RunID, c.Update.Paused, c.Update.StopRequested, at,
		).Scan(&sig.Paused, &sig.StopRequested, &sig.UpdatedAt)
		if err != nil {
			return err
		}
		if c.Event == nil {
			return errors.New("control record without event")
		}
		event, err = appendEvent(ctx, tx, c.RunID, c.Event, at)
		return err
	})
	return sig, event, err
}
