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

// apiKeysDB implements auth.Keys.
type apiKeysDB struct {
	db *sql.DB
}

// Create stores a new API key.
func (db *apiKeysDB) Create(ctx context.Context, key auth.APIKey) (_ auth.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, project_id, branch_id, scope, description,
			key_hash, key_prefix, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.ProjectID, key.BranchID, string(key.Scope), key.Description,
		key.KeyHash, key.KeyPrefix, key.CreatedAt.UTC(), nullTime(key.ExpiresAt))
	if err != nil {
		return auth.APIKey{}, alreadyExists(err, "api key %q", key.ID)
	}
	return db.Get(ctx, key.ID)
}

// Get returns the key by id.
func (db *apiKeysDB) Get(ctx context.Context, id string) (_ auth.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, scope, description,
			key_hash, key_prefix, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE id = ?`, id)

	key, err := scanAPIKey(row)
	if err != nil {
		return auth.APIKey{}, notFound(err, "api key %q", id)
	}
	return key, nil
}

// GetByPrefix returns every key sharing the lookup prefix. The caller
// verifies hashes against the presented secret.
func (db *apiKeysDB) GetByPrefix(ctx context.Context, prefix string) (_ []auth.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, project_id, branch_id, scope, description,
			key_hash, key_prefix, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE key_prefix = ?`, prefix)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var keys []auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, Error.Wrap(rows.Err())
}

// List returns the keys of the project, newest first.
func (db *apiKeysDB) List(ctx context.Context, projectID string) (_ []auth.APIKey, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, project_id, branch_id, scope, description,
			key_hash, key_prefix, created_at, expires_at, revoked_at, last_used_at
		FROM api_keys WHERE project_id = ?
		ORDER BY created_at DESC, id`, projectID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var keys []auth.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		keys = append(keys, key)
	}
	return keys, Error.Wrap(rows.Err())
}

// Revoke marks the key revoked. Revoking twice keeps the first time.
func (db *apiKeysDB) Revoke(ctx context.Context, id string, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = ?
		WHERE id = ? AND revoked_at IS NULL`, when.UTC(), id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		// Either unknown or already revoked; only unknown is an error.
		if _, err := db.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// DeleteForProject removes every key of the project.
func (db *apiKeysDB) DeleteForProject(ctx context.Context, projectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `DELETE FROM api_keys WHERE project_id = ?`, projectID)
	return Error.Wrap(err)
}

// UpdateLastUsed records key usage. Best effort; callers ignore the error.
func (db *apiKeysDB) UpdateLastUsed(ctx context.Context, id string, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used_at = ? WHERE id = ?`, when.UTC(), id)
	return Error.Wrap(err)
}

func scanAPIKey(row scannable) (auth.APIKey, error) {
	var key auth.APIKey
	var scope string
	var expiresAt, revokedAt, lastUsedAt sql.NullTime
	err := row.Scan(&key.ID, &key.ProjectID, &key.BranchID, &scope, &key.Description,
		&key.KeyHash, &key.KeyPrefix, &key.CreatedAt, &expiresAt, &revokedAt, &lastUsedAt)
	if err != nil {
		return auth.APIKey{}, err
	}
	key.Scope = auth.Scope(scope)
	key.CreatedAt = key.CreatedAt.UTC()
	key.ExpiresAt = timePtr(expiresAt)
	key.RevokedAt = timePtr(revokedAt)
	key.LastUsedAt = timePtr(lastUsedAt)
	return key, nil
}
