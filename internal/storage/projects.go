package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kiroku/internal/model"
)

// CreateProject inserts a project. Duplicate names fail with model.ErrConflict.
func (db *DB) CreateProject(ctx context.Context, name string, localPath *string) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`INSERT INTO projects (name, local_path) VALUES ($1, $2)
		 RETURNING id, name, local_path, created_at`,
		name, localPath,
	).Scan(&p.ID, &p.Name, &p.LocalPath, &p.CreatedAt)
	if err != nil {
		return model.Project{}, wrapErr("create project", err)
	}
	return p, nil
}

// GetProject retrieves a project by id.
func (db *DB) GetProject(ctx context.Context, id int64) (model.Project, error) {
	var p model.Project
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, local_path, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.LocalPath, &p.CreatedAt)
	if err != nil {
		return model.Project{}, wrapErr(fmt.Sprintf("get project %d", id), err)
	}
	return p, nil
}

// ListProjects returns all projects ordered by name.
func (db *DB) ListProjects(ctx context.Context) ([]model.Project, error) {
	rows, err := db.pool.Query(ctx, `SELECT id, name, local_path, created_at FROM projects ORDER BY name ASC`)
	if err != nil {
		return nil, wrapErr("list projects", err)
	}
	defer rows.Close()

	var out []model.Project
	for rows.Next() {
		var p model.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.LocalPath, &p.CreatedAt); err != nil {
			return nil, wrapErr("list projects", err)
		}
		out = append(out, p)
	}
	return out, wrapErr("list projects", rows.Err())
}
