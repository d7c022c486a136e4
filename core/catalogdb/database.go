// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package catalogdb implements every registry of the metadata store on
// top of a single serialized SQLite file.
//
// Each consumer package declares the interface it needs; this package
// is the one implementation behind all of them. Every public method is
// one logical transaction: a failure leaves the store unchanged.
package catalogdb

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/shares"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/workspaces"
	"duckpond.io/duckpond/internal/dbutil/sqliteutil"
)

// VersionTable is the table that stores the schema version.
const VersionTable = "versions"

var (
	mon = monkit.Package()

	// Error is the default error class for the metadata store.
	Error = errs.Class("catalogdb")
	// ErrPreflight represents an error during the preflight check.
	ErrPreflight = errs.Class("preflight")
)

// DB provides access to all registries of the metadata store.
type DB struct {
	log  *zap.Logger
	db   *sql.DB
	path string

	projects        *projectsDB
	buckets         *bucketsDB
	tables          *tablesDB
	files           *filesDB
	ops             *opsDB
	branches        *branchesDB
	workspaces      *workspacesDB
	sessions        *sessionsDB
	snapshots       *snapshotsDB
	snapshotConfigs *snapshotConfigsDB
	apiKeys         *apiKeysDB
	s3Keys          *s3KeysDB
	shares          *sharesDB
}

// Open opens or creates the metadata database at path.
func Open(ctx context.Context, log *zap.Logger, path string) (*DB, error) {
	sqlDB, err := sqliteutil.Open(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return wrap(log, sqlDB, path), nil
}

// OpenInMemory opens an isolated in-memory metadata database.
func OpenInMemory(ctx context.Context, log *zap.Logger) (*DB, error) {
	sqlDB, err := sqliteutil.OpenInMemory()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return wrap(log, sqlDB, ":memory:"), nil
}

func wrap(log *zap.Logger, sqlDB *sql.DB, path string) *DB {
	db := &DB{log: log, db: sqlDB, path: path}
	db.projects = &projectsDB{db: sqlDB}
	db.buckets = &bucketsDB{db: sqlDB}
	db.tables = &tablesDB{db: sqlDB}
	db.files = &filesDB{db: sqlDB}
	db.ops = &opsDB{db: sqlDB, log: log.Named("opslog")}
	db.branches = &branchesDB{db: sqlDB}
	db.workspaces = &workspacesDB{db: sqlDB}
	db.sessions = &sessionsDB{db: sqlDB}
	db.snapshots = &snapshotsDB{db: sqlDB}
	db.snapshotConfigs = &snapshotConfigsDB{db: sqlDB}
	db.apiKeys = &apiKeysDB{db: sqlDB}
	db.s3Keys = &s3KeysDB{db: sqlDB}
	db.shares = &sharesDB{db: sqlDB}
	return db
}

// Close closes the underlying database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

// Raw exposes the handle for tests and tooling.
func (db *DB) Raw() *sql.DB { return db.db }

// MigrateToLatest brings the schema to the current version.
func (db *DB) MigrateToLatest(ctx context.Context) error {
	return db.Migration().Run(ctx, db.log.Named("migration"))
}

// Preflight verifies that the schema contains every expected table, so
// a mismatched or foreign database file fails fast instead of at first
// use.
func (db *DB) Preflight(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	found, err := sqliteutil.QuerySchema(db.db)
	if err != nil {
		return ErrPreflight.Wrap(err)
	}
	have := make(map[string]bool, len(found))
	for _, name := range found {
		have[name] = true
	}

	var missing []string
	for _, name := range expectedTables {
		if !have[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		want := append([]string(nil), expectedTables...)
		sort.Strings(want)
		sort.Strings(found)
		return ErrPreflight.New("missing tables %v; schema differs:\n%s",
			missing, cmp.Diff(want, found))
	}
	return nil
}

// Projects gives access to the project registry.
func (db *DB) Projects() catalog.Projects { return db.projects }

// Buckets gives access to the bucket registry.
func (db *DB) Buckets() catalog.Buckets { return db.buckets }

// Tables gives access to the table registry.
func (db *DB) Tables() catalog.Tables { return db.tables }

// Files gives access to the staged-upload registry.
func (db *DB) Files() catalog.Files { return db.files }

// Ops gives access to the audit log.
func (db *DB) Ops() catalog.Ops { return db.ops }

// Branches gives access to the branch registry.
func (db *DB) Branches() branches.DB { return db.branches }

// Workspaces gives access to the workspace registry.
func (db *DB) Workspaces() workspaces.DB { return db.workspaces }

// Sessions gives access to the wire session registry.
func (db *DB) Sessions() workspaces.Sessions { return db.sessions }

// Snapshots gives access to the snapshot registry.
func (db *DB) Snapshots() snapshots.DB { return db.snapshots }

// SnapshotConfigs gives access to the hierarchical snapshot settings.
func (db *DB) SnapshotConfigs() snapshots.Configs { return db.snapshotConfigs }

// APIKeys gives access to the API key registry.
func (db *DB) APIKeys() auth.Keys { return db.apiKeys }

// S3Keys gives access to the S3 access key registry.
func (db *DB) S3Keys() auth.S3Keys { return db.s3Keys }

// Shares gives access to the share and link registry.
func (db *DB) Shares() shares.DB { return db.shares }

// isConstraint reports whether the error is a SQLite constraint
// violation, which the registries surface as already-exists.
func isConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint
}

// alreadyExists converts constraint violations into the catalog error
// class callers test for.
func alreadyExists(err error, format string, args ...any) error {
	if isConstraint(err) {
		return catalog.ErrAlreadyExists.New(format, args...)
	}
	return Error.Wrap(err)
}

// notFound converts an empty result into the catalog error class.
func notFound(err error, format string, args ...any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return catalog.ErrNotFound.New(format, args...)
	}
	return Error.Wrap(err)
}

// nullTime converts an optional time for storage, normalized to UTC.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// timePtr converts a scanned nullable timestamp back to a pointer.
func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	value := t.Time.UTC()
	return &value
}
