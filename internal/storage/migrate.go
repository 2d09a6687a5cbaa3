package storage

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one SQL file from a migration source.
type Migration struct {
	Version string // file name, the key in schema_migrations
	SQL     string
}

// LoadMigrations reads the *.sql files at the root of each source. Files
// from one source run in lexical order, sources in the order given. A
// version seen twice is an error.
func LoadMigrations(sources ...fs.FS) ([]Migration, error) {
	var out []Migration
	seen := map[string]bool{}
	for _, src := range sources {
		names, err := fs.Glob(src, "*.sql")
		if err != nil {
			return nil, fmt.Errorf("storage: list migrations: %w", err)
		}
		slices.Sort(names)
		for _, name := range names {
			if seen[name] {
				return nil, fmt.Errorf("storage: duplicate migration %s", name)
			}
			seen[name] = true
			body, err := fs.ReadFile(src, name)
			if err != nil {
				return nil, fmt.Errorf("storage: read migration %s: %w", name, err)
			}
			if strings.TrimSpace(string(body)) == "" {
				continue
			}
			out = append(out, Migration{Version: path.Base(name), SQL: string(body)})
		}
	}
	return out, nil
}

// RunMigrations applies every migration from sources that is not yet
// recorded in schema_migrations. Each file runs in its own transaction
// together with its bookkeeping row, so a failed file leaves no trace and
// is retried on the next start. A session advisory lock keeps concurrent
// instances from racing.
func (db *DB) RunMigrations(ctx context.Context, sources ...fs.FS) error {
	migs, err := LoadMigrations(sources...)
	if err != nil {
		return err
	}

	conn, err := db.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("storage: acquire migration conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("storage: migration lock: %w", err)
	}
	defer func() {
		if _, err := conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey); err != nil {
			db.logger.Warn("storage: release migration lock", "error", err)
		}
	}()

	applied, err := appliedVersions(ctx, conn)
	if err != nil {
		return err
	}

	ran := 0
	for _, m := range migs {
		if applied[m.Version] {
			continue
		}
		db.logger.Info("storage: applying migration", "version", m.Version)
		err := pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.SQL); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("storage: migration %s: %w", m.Version, err)
		}
		ran++
	}
	db.logger.Info("storage: schema up to date", "applied", ran, "known", len(migs))
	return nil
}

func appliedVersions(ctx context.Context, conn *pgxpool.Conn) (map[string]bool, error) {
	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return nil, fmt.Errorf("storage: create schema_migrations: %w", err)
	}
	rows, err := conn.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("storage: load applied migrations: %w", err)
	}
	applied := make(map[string]bool, len(versions))
	for _, v := range versions {
		applied[v] = true
	}
	return applied, nil
}
