// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/internal/dbutil/txutil"
)

// snapshotsDB implements snapshots.DB.
type snapshotsDB struct {
	db *sql.DB
}

// Create stores a new snapshot entry.
func (db *snapshotsDB) Create(ctx context.Context, snapshot snapshots.Snapshot) (_ snapshots.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			id, project_id, branch_id, bucket, table_name, type,
			description, row_count, size_bytes, file_path, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snapshot.ID, snapshot.ProjectID, snapshot.BranchID, snapshot.Bucket,
		snapshot.Table, string(snapshot.Type), snapshot.Description,
		snapshot.RowCount, snapshot.SizeBytes, snapshot.FilePath,
		snapshot.CreatedAt.UTC(), nullTime(snapshot.ExpiresAt))
	if err != nil {
		return snapshots.Snapshot{}, alreadyExists(err, "snapshot %q", snapshot.ID)
	}
	return db.Get(ctx, snapshot.ProjectID, snapshot.ID)
}

// Get returns the snapshot by id.
func (db *snapshotsDB) Get(ctx context.Context, projectID, id string) (_ snapshots.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, bucket, table_name, type,
			description, row_count, size_bytes, file_path, created_at, expires_at
		FROM snapshots WHERE project_id = ? AND id = ?`, projectID, id)

	snapshot, err := scanSnapshot(row)
	if err != nil {
		return snapshots.Snapshot{}, notFound(err, "snapshot %q", id)
	}
	return snapshot, nil
}

// List returns the snapshots of the project, newest first, filtered by
// bucket and table when those are non-empty.
func (db *snapshotsDB) List(ctx context.Context, projectID, bucket, table string) (_ []snapshots.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT id, project_id, branch_id, bucket, table_name, type,
			description, row_count, size_bytes, file_path, created_at, expires_at
		FROM snapshots WHERE project_id = ?`
	args := []any{projectID}
	if bucket != "" {
		query += ` AND bucket = ?`
		args = append(args, bucket)
	}
	if table != "" {
		query += ` AND table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []snapshots.Snapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, snapshot)
	}
	return list, Error.Wrap(rows.Err())
}

// Delete removes the snapshot entry.
func (db *snapshotsDB) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("snapshot %q", id)
	}
	return nil
}

// DeleteExpired removes entries whose expiry has passed and returns
// them so the caller can unlink their files.
func (db *snapshotsDB) DeleteExpired(ctx context.Context, now time.Time) (expired []snapshots.Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, db.db, func(ctx context.Context, tx *sql.Tx) error {
		expired = nil
		err := func() (err error) {
			rows, err := tx.QueryContext(ctx, `
				SELECT id, project_id, branch_id, bucket, table_name, type,
					description, row_count, size_bytes, file_path, created_at, expires_at
				FROM snapshots
				WHERE expires_at IS NOT NULL AND expires_at < ?`, now.UTC())
			if err != nil {
				return Error.Wrap(err)
			}
			defer func() { err = errs.Combine(err, rows.Close()) }()

			for rows.Next() {
				snapshot, err := scanSnapshot(rows)
				if err != nil {
					return Error.Wrap(err)
				}
				expired = append(expired, snapshot)
			}
			return Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		for _, snapshot := range expired {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM snapshots WHERE id = ?`, snapshot.ID)
			if err != nil {
				return Error.Wrap(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

func scanSnapshot(row scannable) (snapshots.Snapshot, error) {
	var snapshot snapshots.Snapshot
	var kind string
	var expiresAt sql.NullTime
	err := row.Scan(&snapshot.ID, &snapshot.ProjectID, &snapshot.BranchID,
		&snapshot.Bucket, &snapshot.Table, &kind, &snapshot.Description,
		&snapshot.RowCount, &snapshot.SizeBytes, &snapshot.FilePath,
		&snapshot.CreatedAt, &expiresAt)
	if err != nil {
		return snapshots.Snapshot{}, err
	}
	snapshot.Type = snapshots.Type(kind)
	snapshot.CreatedAt = snapshot.CreatedAt.UTC()
	snapshot.ExpiresAt = timePtr(expiresAt)
	return snapshot, nil
}
