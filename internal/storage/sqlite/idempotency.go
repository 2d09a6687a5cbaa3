package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

// BeginIdempotency reserves (endpoint, key); see storage.DB.BeginIdempotency.
func (s *Store) BeginIdempotency(ctx context.Context, endpoint, key, requestHash string) (storage.IdempotencyLookup, error) {
	var lookup storage.IdempotencyLookup
	err := s.inTx(ctx, "begin idempotency", func(st *txState) error {
		now := formatTime(time.Now())
		res, err := st.tx.ExecContext(ctx,
			`INSERT INTO idempotency_keys (endpoint, idempotency_key, request_hash, status, created_at, updated_at)
			 VALUES (?1, ?2, ?3, 'in_progress', ?4, ?4)
			 ON CONFLICT DO NOTHING`,
			endpoint, key, requestHash, now,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		var (
			storedHash, status string
			code               sql.NullInt64
			data               sql.NullString
		)
		err = st.tx.QueryRowContext(ctx,
			`SELECT request_hash, status, status_code, response_data
			 FROM idempotency_keys WHERE endpoint = ? AND idempotency_key = ?`,
			endpoint, key,
		).Scan(&storedHash, &status, &code, &data)
		if err != nil {
			return err
		}
		var codePtr *int
		if code.Valid {
			c := int(code.Int64)
			codePtr = &c
		}
		var raw []byte
		if data.Valid {
			raw = []byte(data.String)
		}
		lookup, err = storage.ResolveIdempotency(requestHash, storedHash, status, codePtr, raw)
		return err
	})
	return lookup, err
}

// CompleteIdempotency stores the response for a reserved key.
func (s *Store) CompleteIdempotency(ctx context.Context, endpoint, key string, statusCode int, response json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = 'completed', status_code = ?, response_data = ?, updated_at = ?
		 WHERE endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		statusCode, string(response), formatTime(time.Now()), endpoint, key,
	)
	if err != nil {
		return wrapErr("complete idempotency", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sqlite: complete idempotency %s %q: %w", endpoint, key, model.ErrNotFound)
	}
	return nil
}

// ClearIdempotency drops an in-progress reservation.
func (s *Store) ClearIdempotency(ctx context.Context, endpoint, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE endpoint = ? AND idempotency_key = ? AND status = 'in_progress'`,
		endpoint, key,
	)
	return wrapErr("clear idempotency", err)
}

// CleanupIdempotencyKeys deletes expired completed keys and abandoned
// reservations.
func (s *Store) CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = 'completed' AND updated_at < ?)
		    OR (status = 'in_progress' AND updated_at < ?)`,
		formatTime(now.Add(-completedTTL)), formatTime(now.Add(-inProgressTTL)),
	)
	if err != nil {
		return 0, wrapErr("clean up idempotency keys", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
