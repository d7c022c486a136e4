// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"duckpond.io/duckpond/core/snapshots"
)

// snapshotConfigsDB implements snapshots.Configs. Configs are stored as
// JSON per scope; absent rows mean everything inherits.
type snapshotConfigsDB struct {
	db *sql.DB
}

// Get returns the stored config at the scope; a zero Config when
// nothing is stored there.
func (db *snapshotConfigsDB) Get(ctx context.Context, scope snapshots.Scope, projectID, bucket, table string) (_ snapshots.Config, err error) {
	defer mon.Task()(&ctx)(&err)

	var raw string
	err = db.db.QueryRowContext(ctx, `
		SELECT config FROM snapshot_configs
		WHERE scope = ? AND project_id = ? AND bucket = ? AND table_name = ?`,
		string(scope), projectID, bucket, table,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshots.Config{}, nil
	}
	if err != nil {
		return snapshots.Config{}, Error.Wrap(err)
	}

	var config snapshots.Config
	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return snapshots.Config{}, Error.New("corrupt snapshot config at %s/%s/%s/%s: %v",
			scope, projectID, bucket, table, err)
	}
	return config, nil
}

// Upsert stores the config at the scope, replacing what was there.
func (db *snapshotConfigsDB) Upsert(ctx context.Context, scope snapshots.Scope, projectID, bucket, table string, config snapshots.Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	raw, err := json.Marshal(config)
	if err != nil {
		return Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO snapshot_configs (scope, project_id, bucket, table_name, config)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (scope, project_id, bucket, table_name) DO UPDATE SET
			config = excluded.config`,
		string(scope), projectID, bucket, table, string(raw))
	return Error.Wrap(err)
}

// Delete removes the stored config at the scope. Deleting an absent
// config is not an error.
func (db *snapshotConfigsDB) Delete(ctx context.Context, scope snapshots.Scope, projectID, bucket, table string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		DELETE FROM snapshot_configs
		WHERE scope = ? AND project_id = ? AND bucket = ? AND table_name = ?`,
		string(scope), projectID, bucket, table)
	return Error.Wrap(err)
}
