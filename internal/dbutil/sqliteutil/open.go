// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package sqliteutil implements opening SQLite databases with the
// connection options the catalog relies on.
package sqliteutil

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/zeebo/errs"
)

// Error is the default sqliteutil errs class.
var Error = errs.Class("sqliteutil")

// Open opens the SQLite database at path with WAL journaling, a busy
// timeout for concurrent writers and foreign keys enforced. Parent
// directories are created as needed.
func Open(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, Error.Wrap(err)
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return db, nil
}

// OpenInMemory opens an isolated in-memory SQLite database, used by tests.
func OpenInMemory() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_foreign_keys=on")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// a single connection keeps the in-memory database alive
	db.SetMaxOpenConns(1)
	return db, nil
}

// QuerySchema returns the names of the tables in the database.
func QuerySchema(db *sql.DB) (tables []string, err error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		tables = append(tables, name)
	}
	return tables, Error.Wrap(rows.Err())
}
