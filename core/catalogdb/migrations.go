// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"duckpond.io/duckpond/internal/migrate"
)

// expectedTables is what Preflight requires after migrations ran.
var expectedTables = []string{
	"projects",
	"buckets",
	"tables",
	"files",
	"branches",
	"branch_tables",
	"api_keys",
	"s3_access_keys",
	"workspaces",
	"workspace_credentials",
	"pgwire_sessions",
	"bucket_shares",
	"bucket_links",
	"snapshots",
	"snapshot_configs",
	"operations_log",
	VersionTable,
}

// Migration returns the schema migration steps.
func (db *DB) Migration() *migrate.Migration {
	return &migrate.Migration{
		Table: VersionTable,
		Steps: []*migrate.Step{
			{
				DB:          db.db,
				Description: "Initial setup",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE projects (
						id TEXT NOT NULL PRIMARY KEY,
						name TEXT NOT NULL,
						status TEXT NOT NULL DEFAULT 'active',
						created_at TIMESTAMP NOT NULL,
						deleted_at TIMESTAMP
					)`,
					`CREATE TABLE buckets (
						project_id TEXT NOT NULL REFERENCES projects (id),
						name TEXT NOT NULL,
						display_name TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, name)
					)`,
					`CREATE TABLE tables (
						project_id TEXT NOT NULL,
						branch_id TEXT NOT NULL DEFAULT '',
						bucket TEXT NOT NULL,
						name TEXT NOT NULL,
						row_count INTEGER NOT NULL DEFAULT 0,
						size_bytes INTEGER NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, branch_id, bucket, name)
					)`,
					`CREATE TABLE files (
						id TEXT NOT NULL,
						project_id TEXT NOT NULL,
						name TEXT NOT NULL,
						key TEXT NOT NULL,
						size_bytes INTEGER NOT NULL DEFAULT 0,
						registered INTEGER NOT NULL DEFAULT 0,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, id)
					)`,
					`CREATE TABLE branches (
						id TEXT NOT NULL,
						project_id TEXT NOT NULL REFERENCES projects (id),
						name TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, id)
					)`,
					`CREATE TABLE branch_tables (
						project_id TEXT NOT NULL,
						branch_id TEXT NOT NULL,
						bucket TEXT NOT NULL,
						name TEXT NOT NULL,
						copied_at TIMESTAMP NOT NULL,
						PRIMARY KEY (project_id, branch_id, bucket, name)
					)`,
					`CREATE TABLE api_keys (
						id TEXT NOT NULL PRIMARY KEY,
						project_id TEXT NOT NULL,
						branch_id TEXT NOT NULL DEFAULT '',
						scope TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						key_hash BLOB NOT NULL,
						key_prefix TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						expires_at TIMESTAMP,
						revoked_at TIMESTAMP,
						last_used_at TIMESTAMP
					)`,
					`CREATE INDEX idx_api_keys_prefix ON api_keys (key_prefix)`,
					`CREATE TABLE s3_access_keys (
						access_key_id TEXT NOT NULL PRIMARY KEY,
						secret TEXT NOT NULL,
						project_id TEXT NOT NULL DEFAULT '',
						description TEXT NOT NULL DEFAULT '',
						created_at TIMESTAMP NOT NULL,
						revoked_at TIMESTAMP
					)`,
					`CREATE TABLE workspaces (
						id TEXT NOT NULL PRIMARY KEY,
						project_id TEXT NOT NULL,
						branch_id TEXT NOT NULL DEFAULT '',
						name TEXT NOT NULL,
						status TEXT NOT NULL,
						size_limit_bytes INTEGER NOT NULL DEFAULT 0,
						expires_at TIMESTAMP,
						created_at TIMESTAMP NOT NULL,
						updated_at TIMESTAMP NOT NULL
					)`,
					`CREATE TABLE workspace_credentials (
						workspace_id TEXT NOT NULL PRIMARY KEY REFERENCES workspaces (id) ON DELETE CASCADE,
						username TEXT NOT NULL UNIQUE,
						password_hash TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						rotated_at TIMESTAMP
					)`,
					`CREATE TABLE pgwire_sessions (
						id TEXT NOT NULL PRIMARY KEY,
						workspace_id TEXT NOT NULL,
						username TEXT NOT NULL,
						client_addr TEXT NOT NULL,
						status TEXT NOT NULL,
						started_at TIMESTAMP NOT NULL,
						last_activity_at TIMESTAMP NOT NULL,
						query_count INTEGER NOT NULL DEFAULT 0,
						ended_at TIMESTAMP
					)`,
					`CREATE INDEX idx_pgwire_sessions_workspace ON pgwire_sessions (workspace_id, status)`,
					`CREATE TABLE bucket_shares (
						source_project_id TEXT NOT NULL,
						source_bucket TEXT NOT NULL,
						target_project_id TEXT NOT NULL,
						share_type TEXT NOT NULL,
						role_name TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (source_project_id, source_bucket, target_project_id)
					)`,
					`CREATE TABLE bucket_links (
						target_project_id TEXT NOT NULL,
						target_bucket TEXT NOT NULL,
						source_project_id TEXT NOT NULL,
						source_bucket TEXT NOT NULL,
						views TEXT NOT NULL DEFAULT '[]',
						created_at TIMESTAMP NOT NULL,
						PRIMARY KEY (target_project_id, target_bucket)
					)`,
					`CREATE TABLE snapshots (
						id TEXT NOT NULL PRIMARY KEY,
						project_id TEXT NOT NULL,
						branch_id TEXT NOT NULL DEFAULT '',
						bucket TEXT NOT NULL,
						table_name TEXT NOT NULL,
						type TEXT NOT NULL,
						description TEXT NOT NULL DEFAULT '',
						row_count INTEGER NOT NULL DEFAULT 0,
						size_bytes INTEGER NOT NULL DEFAULT 0,
						file_path TEXT NOT NULL,
						created_at TIMESTAMP NOT NULL,
						expires_at TIMESTAMP
					)`,
					`CREATE INDEX idx_snapshots_table ON snapshots (project_id, bucket, table_name)`,
					`CREATE INDEX idx_snapshots_expiry ON snapshots (expires_at)`,
					`CREATE TABLE snapshot_configs (
						scope TEXT NOT NULL,
						project_id TEXT NOT NULL DEFAULT '',
						bucket TEXT NOT NULL DEFAULT '',
						table_name TEXT NOT NULL DEFAULT '',
						config TEXT NOT NULL,
						PRIMARY KEY (scope, project_id, bucket, table_name)
					)`,
					`CREATE TABLE operations_log (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						occurred_at TIMESTAMP NOT NULL,
						actor TEXT NOT NULL DEFAULT '',
						project_id TEXT NOT NULL DEFAULT '',
						branch_id TEXT NOT NULL DEFAULT '',
						operation TEXT NOT NULL,
						resource_type TEXT NOT NULL DEFAULT '',
						resource_id TEXT NOT NULL DEFAULT '',
						status TEXT NOT NULL,
						error_message TEXT NOT NULL DEFAULT '',
						details TEXT NOT NULL DEFAULT '',
						duration_ms INTEGER NOT NULL DEFAULT 0,
						request_id TEXT NOT NULL DEFAULT ''
					)`,
					`CREATE INDEX idx_operations_log_project ON operations_log (project_id, occurred_at)`,
				},
			},
		},
	}
}
