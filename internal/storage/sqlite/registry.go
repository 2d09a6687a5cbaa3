package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/kiroku/internal/model"
)

// CreateArtifact inserts an immutable artifact row.
func (s *Store) CreateArtifact(ctx context.Context, a model.Artifact) (model.Artifact, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (run_id, name, kind, location, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.RunID, a.Name, a.Kind, a.Location, formatTime(now),
	)
	if err != nil {
		return model.Artifact{}, wrapErr(fmt.Sprintf("create artifact for run %d", a.RunID), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Artifact{}, wrapErr("create artifact", err)
	}
	a.ID = id
	a.CreatedAt = now
	return a, nil
}

// ListArtifacts returns a run's artifacts in creation order.
func (s *Store) ListArtifacts(ctx context.Context, runID int64) ([]model.Artifact, error) {
	rows, err := s.ro.QueryContext(ctx,
		`SELECT id, run_id, name, kind, location, created_at FROM artifacts WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, wrapErr("list artifacts", err)
	}
	defer rows.Close()

	var out []model.Artifact
	for rows.Next() {
		var a model.Artifact
		if err := rows.Scan(&a.ID, &a.RunID, &a.Name, &a.Kind, &a.Location, textTime{&a.CreatedAt}); err != nil {
			return nil, wrapErr("list artifacts", err)
		}
		out = append(out, a)
	}
	return out, wrapErr("list artifacts", rows.Err())
}

// CreateProject inserts a project. Duplicate names fail with model.ErrConflict.
func (s *Store) CreateProject(ctx context.Context, name string, localPath *string) (model.Project, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (name, local_path, created_at) VALUES (?, ?, ?)`,
		name, localPath, formatTime(now),
	)
	if err != nil {
		return model.Project{}, wrapErr("create project", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.Project{}, wrapErr("create project", err)
	}
	return model.Project{ID: id, Name: name, LocalPath: localPath, CreatedAt: now}, nil
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (model.Project, error) {
	var p model.Project
	err := s.ro.QueryRowContext(ctx,
		`SELECT id, name, local_path, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.Name, &p.LocalPath, textTime{&p.CreatedAt})
	if errors.Is(err, sql.ErrNoRows) {
		return model.Project{}, fmt.Errorf("sqlite: project %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Project{}, wrapErr(fmt.Sprintf("get project %d", id), err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := s.ro.QueryContext(ctx, `SELECT id, name, local_path, created_at FROM projects ORDER BY name ASC`)
	if err != nil {
		return nil, wrapErr("list projects", err)
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.LocalPath, textTime{&p.CreatedAt}); err != nil {
			return nil, wrapErr("list projects", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("list projects", rows.Err())
}
