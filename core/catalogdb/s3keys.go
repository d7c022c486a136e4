// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/auth"
)

// s3KeysDB implements auth.S3Keys.
type s3KeysDB struct {
	db *sql.DB
}

// Create stores a new S3 access key.
func (db *s3KeysDB) Create(ctx context.Context, key auth.S3AccessKey) (_ auth.S3AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO s3_access_keys (access_key_id, secret, project_id, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.AccessKeyID, key.Secret, key.ProjectID, key.Description, key.CreatedAt.UTC())
	if err != nil {
		return auth.S3AccessKey{}, alreadyExists(err, "s3 access key %q", key.AccessKeyID)
	}
	return db.Get(ctx, key.AccessKeyID)
}

// Get returns the access key by id.
func (db *s3KeysDB) Get(ctx context.Context, accessKeyID string) (_ auth.S3AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT access_key_id, secret, project_id, description, created_at, revoked_at
		FROM s3_access_keys WHERE access_key_id = ?`, accessKeyID)

	key, err := scanS3Key(row)
	if err != nil {
		return auth.S3AccessKey{}, notFound(err, "s3 access key %q", accessKeyID)
	}
	return key, nil
}

// List returns the access keys of the project, newest first.
func (db *s3KeysDB) List(ctx context.Context, projectID string) (_ []auth.S3AccessKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT access_key_id, secret, project_id, description, created_at, revoked_at
		FROM s3_access_keys WHERE project_id = ?
		ORDER BY created_at DESC, access_key_id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var keys []auth.S3AccessKey
	for rows.Next() {
		key, err := scanS3Key(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, Error.Wrap(rows.Err())
}

// Revoke marks the access key revoked.
func (db *s3KeysDB) Revoke(ctx context.Context, accessKeyID string, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE s3_access_keys SET revoked_at = ?
		WHERE access_key_id = ? AND revoked_at IS NULL`, when.UTC(), accessKeyID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		if _, err := db.Get(ctx, accessKeyID); err != nil {
			return err
		}
	}
	return nil
}

func scanS3Key(row scannable) (auth.S3AccessKey, error) {
	var key auth.S3AccessKey
	var revokedAt sql.NullTime
	err := row.Scan(&key.AccessKeyID, &key.Secret, &key.ProjectID,
		&key.Description, &key.CreatedAt, &revokedAt)
	if err != nil {
		return auth.S3AccessKey{}, err
	}
	key.CreatedAt = key.CreatedAt.UTC()
	key.RevokedAt = timePtr(revokedAt)
	return key, nil
}
