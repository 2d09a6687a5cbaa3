package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiroku/internal/model"
)

const artifactColumns = `id, run_id, name, kind, location, created_at`

// CreateArtifact inserts an immutable artifact row. It is independent of the
// event log; callers mirror it as an event separately.
func (db *DB) CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	out, err := scanArtifact(db.pool.QueryRow(ctx,
		`INSERT INTO artifacts (run_id, name, kind, location)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+artifactColumns,
		a.RunID, a.Name, a.Kind, a.Location,
	))
	if err != nil {
		return model.Artifact{}, wrapErr(fmt.Sprintf("create artifact for run %d", a.RunID), err)
	}
	return out, nil
}

// ListArtifacts returns a run's artifacts in creation order.
func (db *DB) ListArtifacts(ctx context.Context, runID int64) ([]model.Artifact, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM artifacts WHERE run_id = $1 ORDER BY id ASC`, runID)
	if err != nil {
		return nil, wrapErr("list artifacts", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, wrapErr("list artifacts", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list artifacts", rows.Err())
}

func scanArtifact(row pgx.Row) (model.Artifact, error) {
	var a model.Artifact
	err := row.Scan(&a.ID, &a.RunID, &a.Name, &a.Kind, &a.Location, &a.CreatedAt)
	return a, err
}
