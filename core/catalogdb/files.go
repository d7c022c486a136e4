// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
)

// filesDB implements catalog.Files.
type filesDB struct {
	db *sql.DB
}

// Create stores a staged upload entry before the bytes arrive.
func (db *filesDB) Create(ctx context.Context, file catalog.File) (_ catalog.File, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO files (id, project_id, name, key, size_bytes, registered, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.ProjectID, file.Name, file.Key,
		file.SizeBytes, file.Registered, file.CreatedAt.UTC())
	if err != nil {
		return catalog.File{}, alreadyExists(err, "file %q", file.ID)
	}
	return db.Get(ctx, file.ProjectID, file.ID)
}

// Get returns the staged upload by id.
func (db *filesDB) Get(ctx context.Context, projectID, id string) (_ catalog.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var file catalog.File
	err = db.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, key, size_bytes, registered, created_at
		FROM files WHERE project_id = ? AND id = ?`,
		projectID, id,
	).Scan(&file.ID, &file.ProjectID, &file.Name, &file.Key,
		&file.SizeBytes, &file.Registered, &file.CreatedAt)
	if err != nil {
		return catalog.File{}, notFound(err, "file %q", id)
	}
	file.CreatedAt = file.CreatedAt.UTC()
	return file, nil
}

// GetByKey returns the staged upload by its storage key.
func (db *filesDB) GetByKey(ctx context.Context, projectID, key string) (_ catalog.File, err error) {
	defer mon.Task()(&ctx)(&err)

	var file catalog.File
	err = db.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, key, size_bytes, registered, created_at
		FROM files WHERE project_id = ? AND key = ?`,
		projectID, key,
	).Scan(&file.ID, &file.ProjectID, &file.Name, &file.Key,
		&file.SizeBytes, &file.Registered, &file.CreatedAt)
	if err != nil {
		return catalog.File{}, notFound(err, "file key %q", key)
	}
	file.CreatedAt = file.CreatedAt.UTC()
	return file, nil
}

// MarkRegistered records that the bytes landed and their final size.
func (db *filesDB) MarkRegistered(ctx context.Context, projectID, id string, size int64) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE files SET registered = 1, size_bytes = ?
		WHERE project_id = ? AND id = ?`, size, projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("file %q", id)
	}
	return nil
}

// List returns the staged uploads of the project, newest first.
func (db *filesDB) List(ctx context.Context, projectID string) (_ []catalog.File, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, project_id, name, key, size_bytes, registered, created_at
		FROM files WHERE project_id = ? ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var files []catalog.File
	for rows.Next() {
		var file catalog.File
		err := rows.Scan(&file.ID, &file.ProjectID, &file.Name, &file.Key,
			&file.SizeBytes, &file.Registered, &file.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		file.CreatedAt = file.CreatedAt.UTC()
		files = append(files, file)
	}
	return files, Error.Wrap(rows.Err())
}

// Delete removes the staged upload entry.
func (db *filesDB) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM files WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("file %q", id)
	}
	return nil
}
