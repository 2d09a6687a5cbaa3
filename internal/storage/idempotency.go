package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

var (
	// ErrIdempotencyPayloadMismatch means a key was reused on the same
	// endpoint with a different request body.
	ErrIdempotencyPayloadMismatch = fmt.Errorf("%w: idempotency key reused with a different payload", model.ErrConflict)
	// ErrIdempotencyInProgress means another request holds the key.
	ErrIdempotencyInProgress = fmt.Errorf("%w: a request with this idempotency key is already in progress", model.ErrConflict)
)

// IdempotencyLookup is the state of a reserved or replayable key.
type IdempotencyLookup struct {
	Completed    bool
	StatusCode   int
	ResponseData json.RawMessage
}

// BeginIdempotency reserves (endpoint, key) for the caller.
//
// A zero lookup with a nil error means the caller owns the key and must
// finish with CompleteIdempotency or ClearIdempotency. Completed=true means
// the stored response should be replayed. An in-progress key is never taken
// over, even when stale: the original request may have committed before it
// could complete the key, so only CleanupIdempotencyKeys releases it.
func (db *DB) BeginIdempotency(ctx context.Context, endpoint, key, requestHash string) (IdempotencyLookup, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (endpoint, idempotency_key, request_hash, status)
		 VALUES ($1, $2, $3, 'in_progress')
		 ON CONFLICT DO NOTHING`,
		endpoint, key, requestHash,
	)
	if err != nil {
		return IdempotencyLookup{}, wrapErr("begin idempotency", err)
	}
	if tag.RowsAffected() == 1 {
		return IdempotencyLookup{}, nil
	}

	var (
		storedHash string
		status     string
		code       *int
		data       []byte
	)
	err = db.pool.QueryRow(ctx,
		`SELECT request_hash, status, status_code, response_data
		 FROM idempotency_keys WHERE endpoint = $1 AND idempotency_key = $2`,
		endpoint, key,
	).Scan(&storedHash, &status, &code, &data)
	if err != nil {
		return IdempotencyLookup{}, wrapErr("look up idempotency key", err)
	}
	return ResolveIdempotency(requestHash, storedHash, status, code, data)
}

// ResolveIdempotency interprets an existing key row for a new request.
func ResolveIdempotency(requestHash, storedHash, status string, code *int, data []byte) (IdempotencyLookup, error) {
	if storedHash != requestHash {
		return IdempotencyLookup{}, ErrIdempotencyPayloadMismatch
	}
	if status != "completed" {
		return IdempotencyLookup{}, ErrIdempotencyInProgress
	}
	l := IdempotencyLookup{Completed: true, ResponseData: data}
	if code != nil {
		l.StatusCode = *code
	}
	return l, nil
}

// CompleteIdempotency stores the response for a key reserved by
// BeginIdempotency.
func (db *DB) CompleteIdempotency(ctx context.Context, endpoint, key string, statusCode int, response json.RawMessage) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = $3, response_data = $4::jsonb, updated_at = now()
		 WHERE endpoint = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		endpoint, key, statusCode, []byte(response),
	)
	if err != nil {
		return wrapErr("complete idempotency", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: complete idempotency %s %q: %w", endpoint, key, model.ErrNotFound)
	}
	return nil
}

// ClearIdempotency drops an in-progress reservation so the client can retry.
func (db *DB) ClearIdempotency(ctx context.Context, endpoint, key string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE endpoint = $1 AND idempotency_key = $2 AND status = 'in_progress'`,
		endpoint, key,
	)
	return wrapErr("clear idempotency", err)
}

// CleanupIdempotencyKeys deletes completed keys older than completedTTL and
// abandoned reservations older than inProgressTTL.
func (db *DB) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < $1)
		    OR (status = 'in_progress' AND updated_at < $2)`,
		now.Add(-completedTTL), now.Add(-inProgressTTL),
	)
	if err != nil {
		return 0, wrapErr("clean up idempotency keys", err)
	}
	return tag.RowsAffected(), nil
}
