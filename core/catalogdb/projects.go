// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
)

// projectsDB implements catalog.Projects.
type projectsDB struct {
	db *sql.DB
}

// Create stores a new project.
func (db *projectsDB) Create(ctx context.Context, project catalog.Project) (_ catalog.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, status, created_at)
		VALUES (?, ?, ?, ?)`,
		project.ID, project.Name, string(project.Status), project.CreatedAt.UTC())
	if err != nil {
		return catalog.Project{}, alreadyExists(err, "project %q", project.ID)
	}
	return db.Get(ctx, project.ID)
}

// Get returns the project by id, deleted ones included.
func (db *projectsDB) Get(ctx context.Context, id string) (_ catalog.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, name, status, created_at, deleted_at
		FROM projects WHERE id = ?`, id)

	project, err := scanProject(row)
	if err != nil {
		return catalog.Project{}, notFound(err, "project %q", id)
	}
	return project, nil
}

// List returns every project ordered by creation time.
func (db *projectsDB) List(ctx context.Context) (_ []catalog.Project, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, name, status, created_at, deleted_at
		FROM projects ORDER BY created_at, id`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var projects []catalog.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		projects = append(projects, project)
	}
	return projects, Error.Wrap(rows.Err())
}

// MarkDeleted flips the project to deleted, keeping the row.
func (db *projectsDB) MarkDeleted(ctx context.Context, id string, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE projects SET status = ?, deleted_at = ?
		WHERE id = ? AND status != ?`,
		string(catalog.ProjectDeleted), when.UTC(), id, string(catalog.ProjectDeleted))
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("project %q", id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProject(row scannable) (catalog.Project, error) {
	var project catalog.Project
	var status string
	var deletedAt sql.NullTime
	err := row.Scan(&project.ID, &project.Name, &status, &project.CreatedAt, &deletedAt)
	if err != nil {
		return catalog.Project{}, err
	}
	project.Status = catalog.ProjectStatus(status)
	project.CreatedAt = project.CreatedAt.UTC()
	project.DeletedAt = timePtr(deletedAt)
	return project, nil
}
