package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kiroku/internal/telemetry"
)

// transientCodes are SQLSTATEs after which the whole transaction can be
// replayed: every transition re-checks the row it changes, so a replay
// either applies once or fails with the same domain error.
var transientCodes = map[string]string{
	"40001": "serialization_failure",
	"40P01": "deadlock_detected",
	"55P03": "lock_not_available",
}

// txAttempts and txBackoff govern inTx.
const (
	txAttempts = 4
	txBackoff  = 10 * time.Millisecond
)

var txRetries, _ = telemetry.Meter("kiroku/storage").Int64Counter("kiroku.db.tx.retries",
	metric.WithDescription("Transactions replayed after a transient Postgres error"))

// transientCode returns the SQLSTATE name when err is worth retrying.
func transientCode(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", false
	}
	name, ok := transientCodes[pgErr.Code]
	return name, ok
}

// WithRetry calls fn up to maxRetries+1 times while it fails with a
// transient Postgres error, sleeping baseDelay plus jitter between calls and
// doubling baseDelay each time. Other errors return at once.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	delay := baseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		code, ok := transientCode(err)
		if !ok || attempt >= maxRetries {
			return err
		}
		txRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))

		wait := delay + time.Duration(rand.Int64N(int64(delay)+1)) //nolint:gosec // jitter only
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

// inTx runs fn in one transaction, replaying it on transient conflicts.
// The final error is classified by wrapErr under op.
func (db *DB) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) error {
	err := WithRetry(ctx, txAttempts-1, txBackoff, func() error {
		return pgx.BeginFunc(ctx, db.pool, fn)
	})
	return wrapErr(op, err)
}
