// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tables

import (
	"context"
	"database/sql"
	"strings"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/snapshots"
)

// ColumnChanges describes an alter_column request. Nil fields stay
// unchanged; an empty NewDefault drops the default.
type ColumnChanges struct {
	NewName     *string
	NewType     *string
	NewNullable *bool
	NewDefault  *string
}

func (changes ColumnChanges) empty() bool {
	return changes.NewName == nil && changes.NewType == nil && changes.NewNullable == nil && changes.NewDefault == nil
}

// AddColumn appends a column. The engine cannot add a NOT NULL column
// without a default to a non-empty table; that failure is surfaced
// as-is.
func (service *Service) AddColumn(ctx context.Context, loc Location, col Column) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	def, err := columnDDL(col)
	if err != nil {
		return err
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return err
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	if err := eng.Exec(ctx, "ALTER TABLE main.data ADD COLUMN "+def); err != nil {
		return err
	}
	service.refreshStatsOpen(ctx, loc, eng, path)
	return nil
}

// DropColumn removes a column, snapshotting first when the
// drop_column trigger is effective. Primary-key members and the last
// remaining column cannot be dropped.
func (service *Service) DropColumn(ctx context.Context, loc Location, name string) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return err
	}

	columns, primaryKey, err := service.describe(ctx, path)
	if err != nil {
		return err
	}
	if findColumn(columns, name) < 0 {
		return catalog.ErrNotFound.New("column %q", name)
	}
	if len(columns) == 1 {
		return ErrInvalidInput.New("cannot drop the last remaining column")
	}
	for _, pk := range primaryKey {
		if pk == name {
			return ErrInvalidInput.New("column %q is part of the primary key", name)
		}
	}

	if _, err := service.snapshots.AutoBefore(ctx, loc.snapshotLocation(), snapshots.TriggerDropColumn, owner); err != nil {
		return err
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	if err := eng.Exec(ctx, "ALTER TABLE main.data DROP COLUMN "+duck.QuoteIdent(name)); err != nil {
		return err
	}
	service.refreshStatsOpen(ctx, loc, eng, path)
	return nil
}

// AlterColumn applies a set of changes to one column. At least one
// change is required; renaming onto an existing column is a conflict.
func (service *Service) AlterColumn(ctx context.Context, loc Location, name string, changes ColumnChanges) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if changes.empty() {
		return ErrInvalidInput.New("no changes requested")
	}
	if changes.NewType != nil {
		if err := validateType(*changes.NewType); err != nil {
			return err
		}
	}
	if changes.NewDefault != nil && *changes.NewDefault != "" {
		if err := validateDefault(*changes.NewDefault); err != nil {
			return err
		}
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return err
	}

	columns, _, err := service.describe(ctx, path)
	if err != nil {
		return err
	}
	if findColumn(columns, name) < 0 {
		return catalog.ErrNotFound.New("column %q", name)
	}
	if changes.NewName != nil && *changes.NewName != name && findColumn(columns, *changes.NewName) >= 0 {
		return catalog.ErrAlreadyExists.New("column %q", *changes.NewName)
	}

	current := name
	var stmts []string
	if changes.NewName != nil && *changes.NewName != name {
		stmts = append(stmts, "ALTER TABLE main.data RENAME COLUMN "+duck.QuoteIdent(name)+" TO "+duck.QuoteIdent(*changes.NewName))
		current = *changes.NewName
	}
	if changes.NewType != nil {
		stmts = append(stmts, "ALTER TABLE main.data ALTER COLUMN "+duck.QuoteIdent(current)+" SET DATA TYPE "+strings.TrimSpace(*changes.NewType))
	}
	if changes.NewDefault != nil {
		if *changes.NewDefault == "" {
			stmts = append(stmts, "ALTER TABLE main.data ALTER COLUMN "+duck.QuoteIdent(current)+" DROP DEFAULT")
		} else {
			stmts = append(stmts, "ALTER TABLE main.data ALTER COLUMN "+duck.QuoteIdent(current)+" SET DEFAULT ("+*changes.NewDefault+")")
		}
	}
	if changes.NewNullable != nil {
		if *changes.NewNullable {
			stmts = append(stmts, "ALTER TABLE main.data ALTER COLUMN "+duck.QuoteIdent(current)+" DROP NOT NULL")
		} else {
			stmts = append(stmts, "ALTER TABLE main.data ALTER COLUMN "+duck.QuoteIdent(current)+" SET NOT NULL")
		}
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	if err := execAll(ctx, eng, stmts); err != nil {
		return err
	}
	service.refreshStatsOpen(ctx, loc, eng, path)
	return nil
}

// AddPrimaryKey declares a primary key over existing data. The engine
// cannot alter a key onto a table in place, so the table is rebuilt
// with the key inside one transaction.
func (service *Service) AddPrimaryKey(ctx context.Context, loc Location, keyColumns []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if len(keyColumns) == 0 {
		return ErrInvalidInput.New("primary key needs at least one column")
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return err
	}

	columns, primaryKey, err := service.describe(ctx, path)
	if err != nil {
		return err
	}
	if len(primaryKey) > 0 {
		return catalog.ErrAlreadyExists.New("primary key already set")
	}
	for _, name := range keyColumns {
		if findColumn(columns, name) < 0 {
			return catalog.ErrNotFound.New("column %q", name)
		}
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	quoted := make([]string, len(keyColumns))
	for i, name := range keyColumns {
		quoted[i] = duck.QuoteIdent(name)
	}
	keyList := strings.Join(quoted, ", ")

	var duplicates int64
	err = eng.QueryRow(ctx,
		"SELECT COUNT(*) FROM (SELECT "+keyList+" FROM main.data GROUP BY "+keyList+" HAVING COUNT(*) > 1) dup",
	).Scan(&duplicates)
	if err != nil {
		return duck.EngineError.Wrap(err)
	}
	if duplicates > 0 {
		return catalog.ErrAlreadyExists.New("existing data violates primary key uniqueness on (%s)", strings.Join(keyColumns, ", "))
	}

	if err := service.rebuild(ctx, eng, columns, keyColumns); err != nil {
		return err
	}
	service.refreshStatsOpen(ctx, loc, eng, path)
	return nil
}

// DropPrimaryKey removes the primary key by rebuilding the table
// without it. Former key columns become nullable again.
func (service *Service) DropPrimaryKey(ctx context.Context, loc Location) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return err
	}

	columns, primaryKey, err := service.describe(ctx, path)
	if err != nil {
		return err
	}
	if len(primaryKey) == 0 {
		return ErrInvalidInput.New("table has no primary key")
	}
	// primary key columns lose the implicit NOT NULL with the key
	for i := range columns {
		for _, pk := range primaryKey {
			if columns[i].Name == pk {
				columns[i].Nullable = true
			}
		}
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	if err := service.rebuild(ctx, eng, columns, nil); err != nil {
		return err
	}
	service.refreshStatsOpen(ctx, loc, eng, path)
	return nil
}

// rebuild recreates main.data with the given shape and copies all rows
// over. It runs in one transaction so a failure leaves the original.
func (service *Service) rebuild(ctx context.Context, eng *duck.DB, columns []Column, primaryKey []string) error {
	var defs []string
	for _, col := range columns {
		defs = append(defs, rebuildColumnDef(col))
	}
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, name := range primaryKey {
			quoted[i] = duck.QuoteIdent(name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}

	return execTx(ctx, eng, []string{
		"CREATE TABLE main.data_rebuild (" + strings.Join(defs, ", ") + ")",
		"INSERT INTO main.data_rebuild SELECT * FROM main.data",
		"DROP TABLE main.data",
		"ALTER TABLE main.data_rebuild RENAME TO data",
	})
}

// rebuildColumnDef trusts the introspected type text; it never takes
// user input.
func rebuildColumnDef(col Column) string {
	def := duck.QuoteIdent(col.Name) + " " + col.Type
	if col.Default != "" {
		def += " DEFAULT (" + col.Default + ")"
	}
	if !col.Nullable {
		def += " NOT NULL"
	}
	return def
}

// describe reads columns and primary key with a read-only open, so
// snapshots taken afterwards copy a checkpointed file.
func (service *Service) describe(ctx context.Context, path string) (_ []Column, _ []string, err error) {
	eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	columns, err := readColumns(ctx, eng)
	if err != nil {
		return nil, nil, err
	}
	primaryKey, err := readPrimaryKey(ctx, eng)
	if err != nil {
		return nil, nil, err
	}
	return columns, primaryKey, nil
}

func readColumns(ctx context.Context, eng *duck.DB) (_ []Column, err error) {
	rows, err := eng.Query(ctx, "PRAGMA table_info('data')")
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var columns []Column
	for rows.Next() {
		var (
			cid     int64
			name    string
			typ     string
			notNull bool
			dflt    sql.NullString
			pk      bool
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, duck.EngineError.Wrap(err)
		}
		columns = append(columns, Column{
			Name:     name,
			Type:     typ,
			Nullable: !notNull,
			Default:  dflt.String,
		})
	}
	return columns, duck.EngineError.Wrap(rows.Err())
}

func readPrimaryKey(ctx context.Context, eng *duck.DB) (_ []string, err error) {
	rows, err := eng.Query(ctx,
		`SELECT unnest(constraint_column_names)
		 FROM duckdb_constraints()
		 WHERE constraint_type = 'PRIMARY KEY' AND schema_name = 'main' AND table_name = 'data'`)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var primaryKey []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, duck.EngineError.Wrap(err)
		}
		primaryKey = append(primaryKey, name)
	}
	return primaryKey, duck.EngineError.Wrap(rows.Err())
}

func findColumn(columns []Column, name string) int {
	for i, col := range columns {
		if col.Name == name {
			return i
		}
	}
	return -1
}

func execAll(ctx context.Context, eng *duck.DB, stmts []string) error {
	for _, stmt := range stmts {
		if err := eng.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// execTx runs statements in one engine transaction.
func execTx(ctx context.Context, eng *duck.DB, stmts []string) error {
	tx, err := eng.Raw().BeginTx(ctx, nil)
	if err != nil {
		return duck.EngineError.Wrap(err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return duck.EngineError.Wrap(errs.Combine(err, tx.Rollback()))
		}
	}
	return duck.EngineError.Wrap(tx.Commit())
}
