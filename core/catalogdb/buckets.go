// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
)

// bucketsDB implements catalog.Buckets.
type bucketsDB struct {
	db *sql.DB
}

// Create stores a new bucket inside the project.
func (db *bucketsDB) Create(ctx context.Context, bucket catalog.Bucket) (_ catalog.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO buckets (project_id, name, display_name, created_at)
		VALUES (?, ?, ?, ?)`,
		bucket.ProjectID, bucket.Name, bucket.DisplayName, bucket.CreatedAt.UTC())
	if err != nil {
		return catalog.Bucket{}, alreadyExists(err, "bucket %q", bucket.Name)
	}
	return db.Get(ctx, bucket.ProjectID, bucket.Name)
}

// Get returns the bucket by normalized name.
func (db *bucketsDB) Get(ctx context.Context, projectID, name string) (_ catalog.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	var bucket catalog.Bucket
	err = db.db.QueryRowContext(ctx, `
		SELECT project_id, name, display_name, created_at
		FROM buckets WHERE project_id = ? AND name = ?`,
		projectID, name,
	).Scan(&bucket.ProjectID, &bucket.Name, &bucket.DisplayName, &bucket.CreatedAt)
	if err != nil {
		return catalog.Bucket{}, notFound(err, "bucket %q", name)
	}
	bucket.CreatedAt = bucket.CreatedAt.UTC()
	return bucket, nil
}

// List returns the buckets of the project ordered by name.
func (db *bucketsDB) List(ctx context.Context, projectID string) (_ []catalog.Bucket, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT project_id, name, display_name, created_at
		FROM buckets WHERE project_id = ? ORDER BY name`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var buckets []catalog.Bucket
	for rows.Next() {
		var bucket catalog.Bucket
		err := rows.Scan(&bucket.ProjectID, &bucket.Name, &bucket.DisplayName, &bucket.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		bucket.CreatedAt = bucket.CreatedAt.UTC()
		buckets = append(buckets, bucket)
	}
	return buckets, Error.Wrap(rows.Err())
}

// Delete removes the bucket row.
func (db *bucketsDB) Delete(ctx context.Context, projectID, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM buckets WHERE project_id = ? AND name = ?`, projectID, name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("bucket %q", name)
	}
	return nil
}
