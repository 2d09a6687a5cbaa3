package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const eventColumns = `id, run_id, event_type, payload, created_at`

// appendEvent writes one event inside tx and queues its NOTIFY.
//
// The advisory lock serializes id assignment with commit: a writer holding
// the lock commits before the next writer draws an id, so readers never see
// id N+1 before id N. It must be the last lock a transaction takes.
func appendEvent(ctx context.Context, tx pgx.Tx, runID int64, p model.EventPayload, at time.Time) (model.Event, error) {
	eventType, payload, err := model.EncodePayload(p)
	if err != nil {
		return model.Event{}, err
	}
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, eventLogLockKey); err != nil {
		return model.Event{}, fmt.Errorf("lock event log: %w", err)
	}

	e := model.Event{RunID: runID, Type: eventType, Payload: payload}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO run_events (run_id, event_type, payload, created_at)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at`,
		runID, string(eventType), []byte(payload), at,
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}

	notice, err := json.Marshal(EventNotice{RunID: runID, EventID: e.ID})
	if err != nil {
		return model.Event{}, fmt.Errorf("marshal notice: %w", err)
	}
	// Delivered by Postgres only if and when the transaction commits.
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelEvents, string(notice)); err != nil {
		return model.Event{}, fmt.Errorf("notify event: %w", err)
	}
	return e, nil
}

// AppendEvent durably appends a single event for a run that exists.
func (db *DB) AppendEvent(ctx context.Context, runID int64, p model.EventPayload) (model.Event, error) {
	var e model.Event
	err := db.inTx(ctx, "append event", func(tx pgx.Tx) error {
		var err error
		e, err = appendEvent(ctx, tx, runID, p, time.Now().UTC())
		return err
	})
	return e, err
}

// ListEvents returns events for a run with id greater than afterID, ascending by id.
func (db *DB) ListEvents(ctx context.Context, runID, afterID int64, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM run_events
		 WHERE run_id = $1 AND id > $2
		 ORDER BY id ASC
		 LIMIT $3`,
		runID, afterID, ClampEventLimit(limit),
	)
	if err != nil {
		return nil, wrapErr("list events", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	return events, wrapErr("list events", err)
}

// ListEventsOfType returns a run's events of one type after afterID, ascending.
func (db *DB) ListEventsOfType(ctx context.Context, runID int64, typ model.EventType, afterID int64, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM run_events
		 WHERE run_id = $1 AND event_type = $2 AND id > $3
		 ORDER BY id ASC
		 LIMIT $4`,
		runID, string(typ), afterID, ClampEventLimit(limit),
	)
	if err != nil {
		return nil, wrapErr("list "+string(typ)+" events", err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	return events, wrapErr("list "+string(typ)+" events", err)
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var (
			e         model.Event
			eventType string
			payload   []byte
		)
		if err := rows.Scan(&e.ID, &e.RunID, &eventType, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = model.EventType(eventType)
		e.Payload = json.RawMessage(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
