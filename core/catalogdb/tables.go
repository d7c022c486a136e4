// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
)

// tablesDB implements catalog.Tables.
type tablesDB struct {
	db *sql.DB
}

// Upsert records a table and refreshes its cached statistics.
func (db *tablesDB) Upsert(ctx context.Context, table catalog.Table) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO tables (project_id, branch_id, bucket, name, row_count, size_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, branch_id, bucket, name) DO UPDATE SET
			row_count = excluded.row_count,
			size_bytes = excluded.size_bytes,
			updated_at = excluded.updated_at`,
		table.ProjectID, table.BranchID, table.Bucket, table.Name,
		table.RowCount, table.SizeBytes, table.CreatedAt.UTC(), table.UpdatedAt.UTC())
	return Error.Wrap(err)
}

// Get returns one table registry entry.
func (db *tablesDB) Get(ctx context.Context, projectID, branchID, bucket, name string) (_ catalog.Table, err error) {
	defer mon.Task()(&ctx)(&err)

	var table catalog.Table
	err = db.db.QueryRowContext(ctx, `
		SELECT project_id, branch_id, bucket, name, row_count, size_bytes, created_at, updated_at
		FROM tables WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?`,
		projectID, branchID, bucket, name,
	).Scan(&table.ProjectID, &table.BranchID, &table.Bucket, &table.Name,
		&table.RowCount, &table.SizeBytes, &table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		return catalog.Table{}, notFound(err, "table %q", bucket+"."+name)
	}
	table.CreatedAt = table.CreatedAt.UTC()
	table.UpdatedAt = table.UpdatedAt.UTC()
	return table, nil
}

// List returns table entries filtered by branch, and by bucket when
// bucket is non-empty.
func (db *tablesDB) List(ctx context.Context, projectID, branchID, bucket string) (_ []catalog.Table, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT project_id, branch_id, bucket, name, row_count, size_bytes, created_at, updated_at
		FROM tables WHERE project_id = ? AND branch_id = ?`
	args := []any{projectID, branchID}
	if bucket != "" {
		query += ` AND bucket = ?`
		args = append(args, bucket)
	}
	query += ` ORDER BY bucket, name`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tables []catalog.Table
	for rows.Next() {
		var table catalog.Table
		err := rows.Scan(&table.ProjectID, &table.BranchID, &table.Bucket, &table.Name,
			&table.RowCount, &table.SizeBytes, &table.CreatedAt, &table.UpdatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		table.CreatedAt = table.CreatedAt.UTC()
		table.UpdatedAt = table.UpdatedAt.UTC()
		tables = append(tables, table)
	}
	return tables, Error.Wrap(rows.Err())
}

// Delete removes one table registry entry.
func (db *tablesDB) Delete(ctx context.Context, projectID, branchID, bucket, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM tables
		WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?`,
		projectID, branchID, bucket, name)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("table %q", bucket+"."+name)
	}
	return nil
}

// DeleteAll removes every table entry of the project, branches included.
func (db *tablesDB) DeleteAll(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `DELETE FROM tables WHERE project_id = ?`, projectID)
	return Error.Wrap(err)
}
