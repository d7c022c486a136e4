// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package tables is the per-table engine. Every table owns exactly one
// column-store file with its rows in a table named main.data; this
// package performs all DDL and DML against those files under the
// table lock and keeps the catalog statistics fresh.
//
// Mutations on a branch first ensure the branch owns a copy of the
// file, then mutate the copy; main is never written through a branch.
package tables

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/internal/fileutil"
)

var (
	mon = monkit.Package()

	// Error is the default error class for the tables package.
	Error = errs.Class("tables")
	// ErrInvalidInput marks rejected names, types and filters.
	ErrInvalidInput = errs.Class("invalid input")
)

// Config holds per-table engine settings.
type Config struct {
	MemoryLimitMB int `help:"engine memory limit per operation in MiB, 0 means engine default" default:"0"`
	Threads       int `help:"engine threads per operation, 0 means engine default" default:"0"`
	PreviewLimit  int `help:"maximum rows a preview may return" default:"500"`
}

// Location identifies one table. An empty BranchID means main.
type Location struct {
	ProjectID string
	BranchID  string
	Bucket    string
	Table     string
}

func (loc Location) normalized() Location {
	loc.Bucket = layout.NormalizeBucketName(loc.Bucket)
	return loc
}

func (loc Location) validate() error {
	if err := layout.ValidateSegment(loc.Bucket); err != nil {
		return ErrInvalidInput.Wrap(err)
	}
	if err := layout.ValidateSegment(loc.Table); err != nil {
		return ErrInvalidInput.Wrap(err)
	}
	return nil
}

func (loc Location) lockKey() tablelock.Key {
	return tablelock.Key{Project: loc.ProjectID, Branch: loc.BranchID, Bucket: loc.Bucket, Table: loc.Table}
}

func (loc Location) snapshotLocation() snapshots.Location {
	return snapshots.Location{ProjectID: loc.ProjectID, BranchID: loc.BranchID, Bucket: loc.Bucket, Table: loc.Table}
}

// Column describes one column of a table.
type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

// Info is the structured description of a table file.
type Info struct {
	Bucket     string   `json:"bucket"`
	Name       string   `json:"name"`
	Columns    []Column `json:"columns"`
	PrimaryKey []string `json:"primary_key,omitempty"`
	RowCount   int64    `json:"row_count"`
	SizeBytes  int64    `json:"size_bytes"`
}

// Preview is a capped sample of table rows.
type Preview struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Service executes table operations under the table lock.
//
// architecture: Service
type Service struct {
	log       *zap.Logger
	config    Config
	layout    layout.Layout
	locks     *tablelock.Manager
	snapshots *snapshots.Service
	branches  *branches.Service
	registry  catalog.Tables
	buckets   catalog.Buckets
}

// NewService constructs the per-table engine.
func NewService(log *zap.Logger, config Config, lay layout.Layout, locks *tablelock.Manager, snaps *snapshots.Service, brs *branches.Service, registry catalog.Tables, buckets catalog.Buckets) *Service {
	if config.PreviewLimit <= 0 {
		config.PreviewLimit = 500
	}
	return &Service{
		log:       log,
		config:    config,
		layout:    lay,
		locks:     locks,
		snapshots: snaps,
		branches:  brs,
		registry:  registry,
		buckets:   buckets,
	}
}

func (service *Service) engineOptions() duck.Options {
	return duck.Options{MemoryLimitMB: service.config.MemoryLimitMB, Threads: service.config.Threads}
}

// Create makes the table file and its main.data schema. With a
// primary key the engine enforces uniqueness from the first row.
func (service *Service) Create(ctx context.Context, loc Location, columns []Column, primaryKey []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if err := loc.validate(); err != nil {
		return err
	}
	if len(columns) == 0 {
		return ErrInvalidInput.New("table needs at least one column")
	}
	if _, err := service.buckets.Get(ctx, loc.ProjectID, loc.Bucket); err != nil {
		return errs.Wrap(err)
	}
	if err := validatePK(columns, primaryKey); err != nil {
		return err
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	if loc.BranchID != "" {
		if _, err := service.branches.Get(ctx, loc.ProjectID, loc.BranchID); err != nil {
			return errs.Wrap(err)
		}
	}
	path := service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if fileutil.Exists(path) {
		return catalog.ErrAlreadyExists.New("table %s/%s", loc.Bucket, loc.Table)
	}

	ddl, err := createTableSQL(columns, primaryKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Error.Wrap(err)
	}
	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return err
	}
	if err := eng.Exec(ctx, ddl); err != nil {
		_ = eng.Close()
		_ = os.Remove(path)
		return err
	}
	if err := eng.Close(); err != nil {
		_ = os.Remove(path)
		return Error.Wrap(err)
	}

	if loc.BranchID != "" {
		if err := service.branches.AdoptTable(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table); err != nil {
			_ = os.Remove(path)
			return errs.Wrap(err)
		}
	}
	service.refreshStats(ctx, loc, path, 0)

	service.log.Info("table created",
		zap.String("project", loc.ProjectID),
		zap.String("branch", loc.BranchID),
		zap.String("bucket", loc.Bucket),
		zap.String("table", loc.Table),
		zap.Int("columns", len(columns)))
	return nil
}

// Drop removes the table file, taking an auto snapshot first when the
// drop_table trigger is effective. Dropping a table that does not
// exist succeeds. On a branch only the branch copy is dropped; reads
// fall back to main afterwards.
func (service *Service) Drop(ctx context.Context, loc Location) (err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return err
	}
	defer lock.Release()

	if loc.BranchID != "" {
		path := service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
		if fileutil.Exists(path) {
			if _, err := service.snapshots.AutoBefore(ctx, loc.snapshotLocation(), snapshots.TriggerDropTable, owner); err != nil {
				return err
			}
		}
		_, err := service.branches.Pull(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table, owner)
		return err
	}

	path := service.layout.TablePath(loc.ProjectID, "", loc.Bucket, loc.Table)
	if fileutil.Exists(path) {
		if _, err := service.snapshots.AutoBefore(ctx, loc.snapshotLocation(), snapshots.TriggerDropTable, owner); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return Error.Wrap(err)
		}
	}
	if err := service.registry.Delete(ctx, loc.ProjectID, "", loc.Bucket, loc.Table); err != nil && !catalog.ErrNotFound.Has(err) {
		return errs.Wrap(err)
	}

	service.log.Info("table dropped",
		zap.String("project", loc.ProjectID),
		zap.String("bucket", loc.Bucket),
		zap.String("table", loc.Table))
	return nil
}

// Info reads the live schema and counts from the table file.
func (service *Service) Info(ctx context.Context, loc Location) (_ Info, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	path, _, err := service.branches.ResolveRead(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if err != nil {
		return Info{}, err
	}
	if !fileutil.Exists(path) {
		return Info{}, catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}

	eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return Info{}, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	info := Info{Bucket: loc.Bucket, Name: loc.Table}
	info.Columns, err = readColumns(ctx, eng)
	if err != nil {
		return Info{}, err
	}
	info.PrimaryKey, err = readPrimaryKey(ctx, eng)
	if err != nil {
		return Info{}, err
	}
	info.RowCount, err = eng.RowCount(ctx, "main.data")
	if err != nil {
		return Info{}, err
	}
	if stat, statErr := os.Stat(path); statErr == nil {
		info.SizeBytes = stat.Size()
	}
	return info, nil
}

// Preview returns up to limit rows without taking the table lock.
func (service *Service) Preview(ctx context.Context, loc Location, limit int) (_ Preview, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if limit <= 0 || limit > service.config.PreviewLimit {
		limit = service.config.PreviewLimit
	}
	path, _, err := service.branches.ResolveRead(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if err != nil {
		return Preview{}, err
	}
	if !fileutil.Exists(path) {
		return Preview{}, catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}

	eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return Preview{}, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	rows, err := eng.Query(ctx, "SELECT * FROM main.data LIMIT "+strconv.Itoa(limit))
	if err != nil {
		return Preview{}, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var preview Preview
	preview.Columns, err = rows.Columns()
	if err != nil {
		return Preview{}, Error.Wrap(err)
	}
	for rows.Next() {
		values := make([]any, len(preview.Columns))
		pointers := make([]any, len(values))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return Preview{}, Error.Wrap(err)
		}
		for i, v := range values {
			if raw, ok := v.([]byte); ok {
				values[i] = string(raw)
			}
		}
		preview.Rows = append(preview.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return Preview{}, Error.Wrap(err)
	}
	if preview.Rows == nil {
		preview.Rows = [][]any{}
	}
	return preview, nil
}

// DeleteRows deletes the rows matching the filter and returns how many
// went away. A filter with delete-all semantics (empty, 1=1, TRUE) can
// trigger a pre-deletion snapshot depending on configuration.
func (service *Service) DeleteRows(ctx context.Context, loc Location, where string) (deleted int64, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if err := duck.ValidateWhere(where); err != nil {
		return 0, ErrInvalidInput.Wrap(err)
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return 0, err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return 0, err
	}

	if isDeleteAll(where) {
		snap, err := service.snapshots.AutoBefore(ctx, loc.snapshotLocation(), snapshots.TriggerTruncateTable, owner)
		if err != nil {
			return 0, err
		}
		if snap == nil {
			if _, err := service.snapshots.AutoBefore(ctx, loc.snapshotLocation(), snapshots.TriggerDeleteAllRows, owner); err != nil {
				return 0, err
			}
		}
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	stmt := "DELETE FROM main.data"
	if trimmed := strings.TrimSpace(where); trimmed != "" {
		stmt += " WHERE " + trimmed
	}
	deleted, err = eng.ExecRows(ctx, stmt)
	if err != nil {
		return 0, err
	}

	service.refreshStatsOpen(ctx, loc, eng, path)
	return deleted, nil
}

// writablePath resolves the file a mutation must touch, copying the
// table into the branch first when the mutation happens on a branch.
// The caller holds the table lock under owner.
func (service *Service) writablePath(ctx context.Context, loc Location, owner string) (string, error) {
	if loc.BranchID != "" {
		if _, err := service.branches.EnsureTable(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table, owner); err != nil {
			// a table created directly on the branch has no main copy
			branchPath := service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
			if catalog.ErrNotFound.Has(err) && fileutil.Exists(branchPath) {
				return branchPath, nil
			}
			return "", err
		}
		return service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table), nil
	}
	path := service.layout.TablePath(loc.ProjectID, "", loc.Bucket, loc.Table)
	if !fileutil.Exists(path) {
		return "", catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}
	return path, nil
}

// refreshStats re-counts rows by reopening the file read-only.
func (service *Service) refreshStats(ctx context.Context, loc Location, path string, rowCount int64) {
	if rowCount < 0 {
		eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
		if err != nil {
			service.log.Warn("stats refresh failed to open table", zap.String("table", loc.Table), zap.Error(err))
			return
		}
		rowCount, err = eng.RowCount(ctx, "main.data")
		_ = eng.Close()
		if err != nil {
			service.log.Warn("stats refresh failed to count", zap.String("table", loc.Table), zap.Error(err))
			return
		}
	}
	service.upsertStats(ctx, loc, path, rowCount)
}

// refreshStatsOpen counts through an engine that is still open, then
// records the stats. The file size is only approximate until close.
func (service *Service) refreshStatsOpen(ctx context.Context, loc Location, eng *duck.DB, path string) {
	rowCount, err := eng.RowCount(ctx, "main.data")
	if err != nil {
		service.log.Warn("stats refresh failed to count", zap.String("table", loc.Table), zap.Error(err))
		return
	}
	service.upsertStats(ctx, loc, path, rowCount)
}

func (service *Service) upsertStats(ctx context.Context, loc Location, path string, rowCount int64) {
	entry := catalog.Table{
		ProjectID: loc.ProjectID,
		BranchID:  loc.BranchID,
		Bucket:    loc.Bucket,
		Name:      loc.Table,
		RowCount:  rowCount,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if stat, err := os.Stat(path); err == nil {
		entry.SizeBytes = stat.Size()
	}
	if err := service.registry.Upsert(ctx, entry); err != nil {
		service.log.Warn("table registry update failed",
			zap.String("project", loc.ProjectID),
			zap.String("table", loc.Table),
			zap.Error(err))
	}
}

// isDeleteAll recognizes filters that wipe the whole table.
func isDeleteAll(where string) bool {
	switch strings.ToUpper(strings.Join(strings.Fields(where), "")) {
	case "", "1=1", "TRUE":
		return true
	}
	return false
}

var typePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_ ]*(\(\s*\d+(\s*,\s*\d+)?\s*\))?(\[\])?$`)

func validateType(typ string) error {
	if !typePattern.MatchString(strings.TrimSpace(typ)) {
		return ErrInvalidInput.New("unsupported column type %q", typ)
	}
	return nil
}

func validateDefault(expr string) error {
	if err := duck.ValidateWhere(expr); err != nil {
		return ErrInvalidInput.New("unsupported default expression %q", expr)
	}
	return nil
}

func validatePK(columns []Column, primaryKey []string) error {
	byName := make(map[string]bool, len(columns))
	for _, col := range columns {
		if byName[col.Name] {
			return ErrInvalidInput.New("duplicate column %q", col.Name)
		}
		byName[col.Name] = true
	}
	for _, name := range primaryKey {
		if !byName[name] {
			return ErrInvalidInput.New("primary key column %q is not a column", name)
		}
	}
	return nil
}

func createTableSQL(columns []Column, primaryKey []string) (string, error) {
	var defs []string
	for _, col := range columns {
		def, err := columnDDL(col)
		if err != nil {
			return "", err
		}
		defs = append(defs, def)
	}
	if len(primaryKey) > 0 {
		quoted := make([]string, len(primaryKey))
		for i, name := range primaryKey {
			quoted[i] = duck.QuoteIdent(name)
		}
		defs = append(defs, "PRIMARY KEY ("+strings.Join(quoted, ", ")+")")
	}
	return "CREATE TABLE main.data (" + strings.Join(defs, ", ") + ")", nil
}

func columnDDL(col Column) (string, error) {
	if col.Name == "" {
		return "", ErrInvalidInput.New("column name is empty")
	}
	if err := validateType(col.Type); err != nil {
		return "", err
	}
	def := duck.QuoteIdent(col.Name) + " " + strings.TrimSpace(col.Type)
	if col.Default != "" {
		if err := validateDefault(col.Default); err != nil {
			return "", err
		}
		def += " DEFAULT (" + col.Default + ")"
	}
	if !col.Nullable {
		def += " NOT NULL"
	}
	return def, nil
}

// opOwner mints the lock owner token of one engine operation so that
// nested acquisitions (snapshot triggers, branch copies) reenter
// instead of deadlocking.
func opOwner() string {
	var raw [6]byte
	_, _ = rand.Read(raw[:])
	return "op_" + hex.EncodeToString(raw[:])
}
