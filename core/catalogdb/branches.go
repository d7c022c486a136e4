// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/internal/dbutil/txutil"
)

// branchesDB implements branches.DB.
type branchesDB struct {
	db *sql.DB
}

// Create stores a new branch.
func (db *branchesDB) Create(ctx context.Context, branch branches.Branch) (_ branches.Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO branches (id, project_id, name, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		branch.ID, branch.ProjectID, branch.Name, branch.Description, branch.CreatedAt.UTC())
	if err != nil {
		return branches.Branch{}, alreadyExists(err, "branch %q", branch.ID)
	}
	return db.Get(ctx, branch.ProjectID, branch.ID)
}

// Get returns the branch by id.
func (db *branchesDB) Get(ctx context.Context, projectID, id string) (_ branches.Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	var branch branches.Branch
	err = db.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM branches WHERE project_id = ? AND id = ?`,
		projectID, id,
	).Scan(&branch.ID, &branch.ProjectID, &branch.Name, &branch.Description, &branch.CreatedAt)
	if err != nil {
		return branches.Branch{}, notFound(err, "branch %q", id)
	}
	branch.CreatedAt = branch.CreatedAt.UTC()
	return branch, nil
}

// List returns the branches of the project ordered by creation time.
func (db *branchesDB) List(ctx context.Context, projectID string) (_ []branches.Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, project_id, name, description, created_at
		FROM branches WHERE project_id = ? ORDER BY created_at, id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []branches.Branch
	for rows.Next() {
		var branch branches.Branch
		err := rows.Scan(&branch.ID, &branch.ProjectID, &branch.Name, &branch.Description, &branch.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		branch.CreatedAt = branch.CreatedAt.UTC()
		list = append(list, branch)
	}
	return list, Error.Wrap(rows.Err())
}

// Delete removes the branch and its copy records in one transaction.
func (db *branchesDB) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, func(ctx context.Context, tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			DELETE FROM branches WHERE project_id = ? AND id = ?`, projectID, id)
		if err != nil {
			return Error.Wrap(err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return Error.Wrap(err)
		}
		if affected == 0 {
			return catalog.ErrNotFound.New("branch %q", id)
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM branch_tables WHERE project_id = ? AND branch_id = ?`, projectID, id)
		return Error.Wrap(err)
	})
}

// MarkCopied records that the table has been copy-on-written into the
// branch. Marking twice is not an error.
func (db *branchesDB) MarkCopied(ctx context.Context, table branches.Table) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO branch_tables (project_id, branch_id, bucket, name, copied_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (project_id, branch_id, bucket, name) DO NOTHING`,
		table.ProjectID, table.BranchID, table.Bucket, table.Name, table.CopiedAt.UTC())
	return Error.Wrap(err)
}

// UnmarkCopied forgets the copy record, used when a branch table is
// pulled back to main visibility.
func (db *branchesDB) UnmarkCopied(ctx context.Context, projectID, branchID, bucket, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM branch_tables
		WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?`,
		projectID, branchID, bucket, name)
	return Error.Wrap(err)
}

// IsCopied reports whether the table has a branch-local copy.
func (db *branchesDB) IsCopied(ctx context.Context, projectID, branchID, bucket, name string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM branch_tables
		WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?`,
		projectID, branchID, bucket, name,
	).Scan(&count)
	if err != nil {
		return false, Error.Wrap(err)
	}
	return count > 0, nil
}

// ListCopied returns every table copied into the branch.
func (db *branchesDB) ListCopied(ctx context.Context, projectID, branchID string) (_ []branches.Table, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT project_id, branch_id, bucket, name, copied_at
		FROM branch_tables WHERE project_id = ? AND branch_id = ?
		ORDER BY bucket, name`, projectID, branchID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var tables []branches.Table
	for rows.Next() {
		var table branches.Table
		err := rows.Scan(&table.ProjectID, &table.BranchID, &table.Bucket, &table.Name, &table.CopiedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		table.CopiedAt = table.CopiedAt.UTC()
		tables = append(tables, table)
	}
	return tables, Error.Wrap(rows.Err())
}
