// Package sqlite is the embedded, single-node implementation of
// storage.Store on modernc.org/sqlite.
//
// All writes go through one connection, so event ids are assigned and
// committed strictly in order. Reads use a separate pool of WAL readers and
// never wait on the writer. Wake-ups for appended events are delivered to
// registered notifiers after each commit.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/kiroku/internal/model"
	"github.com/ashita-ai/kiroku/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Notifier receives a wake-up after an event commits. It must not block.
type Notifier func(storage.EventNotice)

// Option configures a Store.
type Option func(*Store)

// WithNotifier registers a commit hook for appended events.
func WithNotifier(n Notifier) Option {
	return func(s *Store) { s.notifiers = append(s.notifiers, n) }
}

// WithReadConns sets the size of the reader pool (default 4).
func WithReadConns(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.readConns = n
		}
	}
}

// Store implements storage.Store on a SQLite file.
type Store struct {
	db        *sql.DB // single writer
	ro        *sql.DB // WAL readers
	logger    *slog.Logger
	readConns int

	mu        sync.RWMutex
	notifiers []Notifier
}

var _ storage.Store = (*Store)(nil)

// Open creates (if needed) and opens the database at path.
func Open(ctx context.Context, path string, logger *slog.Logger, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create db dir: %w", err)
	}
	s := &Store{logger: logger, readConns: 4}
	for _, o := range opts {
		o(s)
	}

	db, err := sql.Open("sqlite", dsn(path, "immediate"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: initialize schema: %w", err)
	}

	ro, err := sql.Open("sqlite", dsn(path, "deferred")+"&_pragma=query_only(1)")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: open readers: %w", err)
	}
	ro.SetMaxOpenConns(s.readConns)
	ro.SetMaxIdleConns(s.readConns)

	s.db, s.ro = db, ro
	return s, nil
}

func dsn(path, txlock string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", txlock)
	return "file:" + path + "?" + q.Encode()
}

// AddNotifier registers a commit hook after construction.
func (s *Store) AddNotifier(n Notifier) {
	s.mu.Lock()
	s.notifiers = append(s.notifiers, n)
	s.mu.Unlock()
}

// Kind identifies the backend in health output.
func (s *Store) Kind() string { return "sqlite" }

// Ping checks both pools.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr("ping", err)
	}
	return wrapErr("ping", s.ro.PingContext(ctx))
}

// Close closes both pools.
func (s *Store) Close() error {
	return errors.Join(s.ro.Close(), s.db.Close())
}

// txState collects events appended within a transaction so their wake-ups
// fire only after commit.
type txState struct {
	tx      *sql.Tx
	notices []storage.EventNotice
}

// inTx runs fn in a write transaction and delivers notices on commit.
func (s *Store) inTx(ctx context.Context, op string, fn func(*txState) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(op, err)
	}
	st := &txState{tx: tx}
	if err := fn(st); err != nil {
		_ = tx.Rollback()
		return wrapErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(op, err)
	}
	s.deliver(st.notices)
	return nil
}

func (s *Store) deliver(notices []storage.EventNotice) {
	if len(notices) == 0 {
		return
	}
	s.mu.RLock()
	hooks := s.notifiers
	s.mu.RUnlock()
	for _, n := range notices {
		for _, h := range hooks {
			h(n)
		}
	}
}

// appendEvent writes one event inside st's transaction.
func appendEvent(ctx context.Context, st *txState, runID int64, p model.EventPayload, at time.Time) (model.Event, error) {
	eventType, payload, err := model.EncodePayload(p)
	if err != nil {
		return model.Event{}, err
	}
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	res, err := st.tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, event_type, payload, created_at) VALUES (?, ?, ?, ?)`,
		runID, string(eventType), string(payload), formatTime(at),
	)
	if err != nil {
		return model.Event{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Event{}, fmt.Errorf("event id: %w", err)
	}
	st.notices = append(st.notices, storage.EventNotice{RunID: runID, EventID: id})
	return model.Event{ID: id, RunID: runID, Type: eventType, Payload: payload, CreatedAt: at}, nil
}

// wrapErr classifies a driver error the same way the Postgres store does.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrInvalidTransition) ||
		errors.Is(err, model.ErrInvalidOperation) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrLeaseLost) ||
		errors.Is(err, model.ErrConflict) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("sqlite: %s: %w", op, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: %s: %w", op, model.ErrNotFound)
	}
	var se *msqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("sqlite: %s: %w", op, model.ErrConflict)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("sqlite: %s: %w", op, model.ErrNotFound)
		}
	}
	return fmt.Errorf("sqlite: %s: %w: %w", op, model.ErrPersistence, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// nullTime scans an optional timestamp column.
type nullTime struct{ t **time.Time }

func (n nullTime) Scan(v any) error {
	switch x := v.(type) {
	case nil:
		*n.t = nil
		return nil
	case string:
		t, err := parseTime(x)
		if err != nil {
			return err
		}
		*n.t = &t
		return nil
	case []byte:
		return n.Scan(string(x))
	}
	return fmt.Errorf("sqlite: unsupported time value %T", v)
}

// textTime scans a required timestamp column.
type textTime struct{ t *time.Time }

func (n textTime) Scan(v any) error {
	var p *time.Time
	if err := (nullTime{t: &p}).Scan(v); err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("sqlite: unexpected NULL timestamp")
	}
	*n.t = *p
	return nil
}
