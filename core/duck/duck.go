// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package duck wraps the embedded engine driver. It opens one engine
// file at a time and pins a single connection so session-scoped
// settings and attaches stay in effect for the caller's lifetime.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2" // registers the duckdb driver
	"github.com/zeebo/errs"
)

// Error is the default duck errs class.
var Error = errs.Class("duck")

// EngineError wraps errors produced by the embedded engine itself, so
// surfaces can pass the original message through to clients.
var EngineError = errs.Class("engine")

// Options configure an engine session.
type Options struct {
	// ReadOnly opens the file without write access. The file must exist.
	ReadOnly bool
	// MemoryLimitMB caps engine memory for this session; zero means
	// the engine default.
	MemoryLimitMB int
	// Threads caps engine parallelism for this session; zero means the
	// engine default.
	Threads int
}

// DB is one open engine file.
type DB struct {
	sqldb *sql.DB
	path  string
}

// Open opens the engine file at path. The file is created when missing
// unless ReadOnly is set.
func Open(ctx context.Context, path string, opts Options) (*DB, error) {
	dsn := path
	if opts.ReadOnly {
		dsn += "?access_mode=read_only"
	}

	sqldb, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// one pinned connection keeps SET and ATTACH session state stable
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	if err := sqldb.PingContext(ctx); err != nil {
		_ = sqldb.Close()
		return nil, EngineError.Wrap(err)
	}

	db := &DB{sqldb: sqldb, path: path}
	if opts.MemoryLimitMB > 0 {
		if err := db.Exec(ctx, fmt.Sprintf("SET memory_limit='%dMB'", opts.MemoryLimitMB)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	if opts.Threads > 0 {
		if err := db.Exec(ctx, fmt.Sprintf("SET threads=%d", opts.Threads)); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

// Path returns the file this session is bound to.
func (db *DB) Path() string { return db.path }

// Raw exposes the underlying sql.DB.
func (db *DB) Raw() *sql.DB { return db.sqldb }

// Close releases the engine session.
func (db *DB) Close() error {
	return Error.Wrap(db.sqldb.Close())
}

// Exec runs a statement.
func (db *DB) Exec(ctx context.Context, query string, args ...any) error {
	_, err := db.sqldb.ExecContext(ctx, query, args...)
	if err != nil {
		return EngineError.Wrap(err)
	}
	return nil
}

// ExecRows runs a statement and returns the affected row count where
// the engine reports one.
func (db *DB) ExecRows(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := db.sqldb.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, EngineError.Wrap(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, nil //nolint:nilerr // driver may not report affected rows
	}
	return affected, nil
}

// Query runs a query.
func (db *DB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := db.sqldb.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, EngineError.Wrap(err)
	}
	return rows, nil
}

// QueryRow runs a single-row query.
func (db *DB) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.sqldb.QueryRowContext(ctx, query, args...)
}

// Attach attaches another engine file under alias.
func (db *DB) Attach(ctx context.Context, path, alias string, readOnly bool) error {
	stmt := "ATTACH " + QuoteString(path) + " AS " + QuoteIdent(alias)
	if readOnly {
		stmt += " (READ_ONLY)"
	}
	return db.Exec(ctx, stmt)
}

// Detach detaches a previously attached alias.
func (db *DB) Detach(ctx context.Context, alias string) error {
	return db.Exec(ctx, "DETACH "+QuoteIdent(alias))
}

// RowCount counts the rows of a fully qualified table or view.
func (db *DB) RowCount(ctx context.Context, qualified string) (int64, error) {
	var count int64
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM "+qualified).Scan(&count)
	if err != nil {
		return 0, EngineError.Wrap(err)
	}
	return count, nil
}

// ValidateWhere rejects filter fragments that could smuggle extra
// statements into a composed query. Fragments are interpolated, never
// prepared, because they are arbitrary boolean expressions.
func ValidateWhere(where string) error {
	if strings.Contains(where, ";") || strings.Contains(where, "--") || strings.Contains(where, "/*") {
		return Error.New("filter contains forbidden sequence")
	}
	return nil
}

// QuoteIdent quotes an identifier for the engine.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// QuoteString quotes a string literal for the engine.
func QuoteString(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}
