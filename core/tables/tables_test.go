// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tables_test

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/catalogdb"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/core/tables"
	"duckpond.io/duckpond/internal/testcontext"
	"duckpond.io/duckpond/internal/testrand"
)

type fixture struct {
	layout   layout.Layout
	db       *catalogdb.DB
	locks    *tablelock.Manager
	branches *branches.Service
	snaps    *snapshots.Service
	service  *tables.Service
	bucket   string
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	lay := layout.New(ctx.Dir("data"))

	db, err := catalogdb.OpenInMemory(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	// tables live in a bucket, buckets in a project
	_, err = db.Projects().Create(ctx, catalog.Project{
		ID: "p1", Name: "Project One", Status: catalog.ProjectActive, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	bucket := testrand.BucketName()
	_, err = db.Buckets().Create(ctx, catalog.Bucket{
		ProjectID: "p1", Name: bucket, DisplayName: bucket, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	locks := tablelock.NewManager(tablelock.Config{WaitTimeout: time.Second})
	brs := branches.NewService(log, lay, locks, db.Branches(), db.Tables())
	snaps := snapshots.NewService(log, lay, locks, db.Snapshots(), db.SnapshotConfigs(), db.Tables())
	service := tables.NewService(log, tables.Config{}, lay, locks, snaps, brs, db.Tables(), db.Buckets())

	return &fixture{
		layout:   lay,
		db:       db,
		locks:    locks,
		branches: brs,
		snaps:    snaps,
		service:  service,
		bucket:   bucket,
	}
}

// serviceWith returns a second engine sharing the fixture's state.
func (f *fixture) serviceWith(t *testing.T, config tables.Config) *tables.Service {
	return tables.NewService(zaptest.NewLogger(t), config, f.layout, f.locks, f.snaps, f.branches, f.db.Tables(), f.db.Buckets())
}

func (f *fixture) loc(table string) tables.Location {
	return tables.Location{ProjectID: "p1", Bucket: f.bucket, Table: table}
}

func stdColumns() []tables.Column {
	return []tables.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "name", Type: "VARCHAR", Nullable: true},
	}
}

// createLoaded makes an id/name table and loads rows through the
// import path.
func (f *fixture) createLoaded(t *testing.T, ctx *testcontext.Context, table string, primaryKey []string, csv string) tables.Location {
	loc := f.loc(table)
	require.NoError(t, f.service.Create(ctx, loc, stdColumns(), primaryKey))
	_, err := f.service.Import(ctx, loc, writeFile(t, ctx, table+".csv", csv), tables.ImportOptions{})
	require.NoError(t, err)
	return loc
}

// writeFile drops a source file for imports into the scratch dir.
func writeFile(t *testing.T, ctx *testcontext.Context, name, content string) string {
	path := ctx.File("src", name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// rowsByID flattens a preview into id -> name for order-free asserts.
func rowsByID(preview tables.Preview) map[string]string {
	out := make(map[string]string, len(preview.Rows))
	for _, row := range preview.Rows {
		out[fmt.Sprint(row[0])] = fmt.Sprint(row[1])
	}
	return out
}

func columnNames(info tables.Info) []string {
	names := make([]string, len(info.Columns))
	for i, col := range info.Columns {
		names[i] = col.Name
	}
	return names
}

func boolPtr(v bool) *bool    { return &v }
func strPtr(v string) *string { return &v }

func TestCreateAndInfo(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("orders")

	columns := []tables.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "name", Type: "VARCHAR", Nullable: true},
	}
	require.NoError(t, f.service.Create(ctx, loc, columns, []string{"id"}))

	err := f.service.Create(ctx, loc, columns, []string{"id"})
	require.True(t, catalog.ErrAlreadyExists.Has(err))

	info, err := f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, f.bucket, info.Bucket)
	require.Equal(t, "orders", info.Name)
	require.Len(t, info.Columns, 2)
	require.Equal(t, "id", info.Columns[0].Name)
	require.Equal(t, "INTEGER", info.Columns[0].Type)
	require.False(t, info.Columns[0].Nullable)
	require.Equal(t, "name", info.Columns[1].Name)
	require.Equal(t, "VARCHAR", info.Columns[1].Type)
	require.True(t, info.Columns[1].Nullable)
	require.Equal(t, []string{"id"}, info.PrimaryKey)
	require.Zero(t, info.RowCount)
	require.NotZero(t, info.SizeBytes)

	// the registry row appears with the creation
	entry, err := f.db.Tables().Get(ctx, "p1", "", f.bucket, "orders")
	require.NoError(t, err)
	require.Zero(t, entry.RowCount)
	require.NotZero(t, entry.SizeBytes)
}

func TestCreateValidation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	err := f.service.Create(ctx, f.loc("t"), nil, nil)
	require.True(t, tables.ErrInvalidInput.Has(err))

	err = f.service.Create(ctx, f.loc("t"), []tables.Column{
		{Name: "id", Type: "INTEGER"},
		{Name: "id", Type: "INTEGER"},
	}, nil)
	require.True(t, tables.ErrInvalidInput.Has(err))

	err = f.service.Create(ctx, f.loc("t"), []tables.Column{
		{Name: "id", Type: "INTEGER; DROP TABLE x"},
	}, nil)
	require.True(t, tables.ErrInvalidInput.Has(err))

	err = f.service.Create(ctx, f.loc("t"), stdColumns(), []string{"ghost"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	err = f.service.Create(ctx, f.loc("bad/name"), stdColumns(), nil)
	require.True(t, tables.ErrInvalidInput.Has(err))

	err = f.service.Create(ctx, tables.Location{
		ProjectID: "p1", Bucket: "nosuchbucket", Table: "t",
	}, stdColumns(), nil)
	require.True(t, catalog.ErrNotFound.Has(err))

	err = f.service.Create(ctx, tables.Location{
		ProjectID: "p1", BranchID: "nope", Bucket: f.bucket, Table: "t",
	}, stdColumns(), nil)
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestImportReplaceAndAppend(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("events")
	require.NoError(t, f.service.Create(ctx, loc, stdColumns(), nil))

	first := writeFile(t, ctx, "first.csv", "id,name\n1,alpha\n2,beta\n")
	result, err := f.service.Import(ctx, loc, first, tables.ImportOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.ImportedRows)
	require.EqualValues(t, 2, result.TotalRows)
	require.NotZero(t, result.SizeBytes)
	require.Len(t, result.Columns, 2)

	second := writeFile(t, ctx, "second.csv", "id,name\n3,gamma\n4,delta\n5,epsilon\n")
	result, err = f.service.Import(ctx, loc, second, tables.ImportOptions{Incremental: true})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.ImportedRows)
	require.EqualValues(t, 5, result.TotalRows)

	// a plain import replaces everything
	result, err = f.service.Import(ctx, loc, first, tables.ImportOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.TotalRows)

	info, err := f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.EqualValues(t, 2, info.RowCount)

	// cached statistics follow the import
	entry, err := f.db.Tables().Get(ctx, "p1", "", f.bucket, "events")
	require.NoError(t, err)
	require.EqualValues(t, 2, entry.RowCount)
}

func TestImportUpsertByPrimaryKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("users")
	require.NoError(t, f.service.Create(ctx, loc, stdColumns(), []string{"id"}))

	base := writeFile(t, ctx, "base.csv", "id,name\n1,alpha\n2,beta\n")
	_, err := f.service.Import(ctx, loc, base, tables.ImportOptions{})
	require.NoError(t, err)

	delta := writeFile(t, ctx, "delta.csv", "id,name\n2,BETA\n3,gamma\n")
	result, err := f.service.Import(ctx, loc, delta, tables.ImportOptions{
		Incremental: true,
		DedupMode:   tables.DedupUpdateDuplicates,
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.TotalRows)

	preview, err := f.service.Preview(ctx, loc, 0)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"1": "alpha", "2": "BETA", "3": "gamma"}, rowsByID(preview))

	// without dedup the key collision surfaces
	_, err = f.service.Import(ctx, loc, delta, tables.ImportOptions{Incremental: true})
	require.Error(t, err)
}

func TestImportOptions(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("raw")
	require.NoError(t, f.service.Create(ctx, loc, stdColumns(), nil))

	src := writeFile(t, ctx, "raw.csv", "10;x\n20;y\n")
	header := false
	result, err := f.service.Import(ctx, loc, src, tables.ImportOptions{
		Format:    tables.FormatCSV,
		Delimiter: ";",
		Header:    &header,
		Types:     map[string]string{"column0": "BIGINT"},
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.TotalRows)

	preview, err := f.service.Preview(ctx, loc, 0)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"10": "x", "20": "y"}, rowsByID(preview))
}

func TestImportRejects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("events")
	require.NoError(t, f.service.Create(ctx, loc, stdColumns(), nil))
	src := writeFile(t, ctx, "rows.csv", "id,name\n1,a\n")

	_, err := f.service.Import(ctx, loc, "", tables.ImportOptions{})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Import(ctx, loc, src, tables.ImportOptions{Format: "xml"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Import(ctx, loc, src, tables.ImportOptions{
		Types: map[string]string{"id": "BIGINT; DROP TABLE x"},
	})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Import(ctx, f.loc("missing"), src, tables.ImportOptions{})
	require.True(t, catalog.ErrNotFound.Has(err))

	// a missing source file is an engine error, not a crash
	_, err = f.service.Import(ctx, loc, ctx.File("src", "nope.csv"), tables.ImportOptions{})
	require.Error(t, err)
}

func TestExport(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "orders", []string{"id"}, "id,name\n1,alpha\n2,beta\n3,gamma\n")

	dest := ctx.File("out", "orders.csv")
	result, err := f.service.Export(ctx, loc, dest, tables.ExportOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.RowsExported)
	require.NotZero(t, result.FileSizeBytes)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 4)
	require.Equal(t, "id,name", lines[0])

	// projection and filter
	subset := ctx.File("out", "subset.csv")
	result, err = f.service.Export(ctx, loc, subset, tables.ExportOptions{
		Columns: []string{"name"},
		Where:   "id >= 2",
	})
	require.NoError(t, err)
	require.EqualValues(t, 2, result.RowsExported)
	data, err = os.ReadFile(subset)
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "name", lines[0])

	// parquet survives a round trip back through import
	parquet := ctx.File("out", "orders.parquet")
	result, err = f.service.Export(ctx, loc, parquet, tables.ExportOptions{Format: tables.FormatParquet})
	require.NoError(t, err)
	require.EqualValues(t, 3, result.RowsExported)

	copyLoc := f.loc("orders_copy")
	require.NoError(t, f.service.Create(ctx, copyLoc, stdColumns(), nil))
	imported, err := f.service.Import(ctx, copyLoc, parquet, tables.ImportOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 3, imported.TotalRows)

	// compressed output
	gz := ctx.File("out", "orders.csv.gz")
	_, err = f.service.Export(ctx, loc, gz, tables.ExportOptions{Compression: "gzip"})
	require.NoError(t, err)
	stat, err := os.Stat(gz)
	require.NoError(t, err)
	require.NotZero(t, stat.Size())
}

func TestExportRejects(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "orders", nil, "id,name\n1,a\n")
	dest := ctx.File("out", "orders.csv")

	_, err := f.service.Export(ctx, loc, "", tables.ExportOptions{})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Export(ctx, loc, dest, tables.ExportOptions{Where: "id = 1; --"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Export(ctx, loc, dest, tables.ExportOptions{Format: "xml"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Export(ctx, loc, dest, tables.ExportOptions{Compression: "lz4"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	_, err = f.service.Export(ctx, f.loc("missing"), dest, tables.ExportOptions{})
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestPreview(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "events", nil, "id,name\n1,a\n2,b\n3,c\n4,d\n5,e\n")

	preview, err := f.service.Preview(ctx, loc, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, preview.Columns)
	require.Len(t, preview.Rows, 3)

	// zero means the configured cap
	preview, err = f.service.Preview(ctx, loc, 0)
	require.NoError(t, err)
	require.Len(t, preview.Rows, 5)

	// a tighter cap clamps explicit limits
	capped := f.serviceWith(t, tables.Config{PreviewLimit: 2})
	preview, err = capped.Preview(ctx, loc, 4)
	require.NoError(t, err)
	require.Len(t, preview.Rows, 2)

	// an empty table previews to an empty, non-nil row set
	empty := f.loc("empty")
	require.NoError(t, f.service.Create(ctx, empty, stdColumns(), nil))
	preview, err = f.service.Preview(ctx, empty, 10)
	require.NoError(t, err)
	require.NotNil(t, preview.Rows)
	require.Empty(t, preview.Rows)

	_, err = f.service.Preview(ctx, f.loc("missing"), 1)
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestDeleteRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "events", nil, "id,name\n1,a\n2,b\n3,c\n4,d\n5,e\n")

	deleted, err := f.service.DeleteRows(ctx, loc, "id <= 2")
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)

	info, err := f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.EqualValues(t, 3, info.RowCount)

	// filters cannot smuggle statements
	_, err = f.service.DeleteRows(ctx, loc, "1=1; DROP TABLE main.data")
	require.True(t, tables.ErrInvalidInput.Has(err))

	// a full wipe takes no snapshot with the default triggers
	deleted, err = f.service.DeleteRows(ctx, loc, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, deleted)
	list, err := f.snaps.List(ctx, "p1", f.bucket, "events")
	require.NoError(t, err)
	require.Empty(t, list)

	// with the delete-all trigger on, the wipe is preceded by a capture
	err = f.snaps.SetConfig(ctx, snapshots.ScopeProject, "p1", "", "", snapshots.Config{
		OnDeleteAllRows: boolPtr(true),
	})
	require.NoError(t, err)
	reload := writeFile(t, ctx, "reload.csv", "id,name\n7,eta\n8,theta\n")
	_, err = f.service.Import(ctx, loc, reload, tables.ImportOptions{})
	require.NoError(t, err)

	deleted, err = f.service.DeleteRows(ctx, loc, "TRUE")
	require.NoError(t, err)
	require.EqualValues(t, 2, deleted)
	list, err = f.snaps.List(ctx, "p1", f.bucket, "events")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, snapshots.TypeAutoPredeleteAll, list[0].Type)
	require.EqualValues(t, 2, list[0].RowCount)

	_, err = f.service.DeleteRows(ctx, f.loc("missing"), "id = 1")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestDropTakesSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "doomed", nil, "id,name\n1,a\n2,b\n")
	path := f.layout.TablePath("p1", "", f.bucket, "doomed")

	require.NoError(t, f.service.Drop(ctx, loc))
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = f.service.Info(ctx, loc)
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = f.db.Tables().Get(ctx, "p1", "", f.bucket, "doomed")
	require.True(t, catalog.ErrNotFound.Has(err))

	list, err := f.snaps.List(ctx, "p1", f.bucket, "doomed")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, snapshots.TypeAutoPredrop, list[0].Type)
	require.EqualValues(t, 2, list[0].RowCount)
	require.FileExists(t, list[0].FilePath)

	// dropping again is a no-op and captures nothing new
	require.NoError(t, f.service.Drop(ctx, loc))
	list, err = f.snaps.List(ctx, "p1", f.bucket, "doomed")
	require.NoError(t, err)
	require.Len(t, list, 1)

	// the trigger can be silenced per table
	quiet := f.createLoaded(t, ctx, "quiet", nil, "id,name\n1,a\n")
	err = f.snaps.SetConfig(ctx, snapshots.ScopeTable, "p1", f.bucket, "quiet", snapshots.Config{
		OnDropTable: boolPtr(false),
	})
	require.NoError(t, err)
	require.NoError(t, f.service.Drop(ctx, quiet))
	list, err = f.snaps.List(ctx, "p1", f.bucket, "quiet")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestBranchCopyOnWrite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "orders", nil, "id,name\n1,a\n2,b\n3,c\n")

	branch, err := f.branches.Create(ctx, "p1", "dev", "")
	require.NoError(t, err)
	bloc := loc
	bloc.BranchID = branch.ID

	// the first branch mutation copies the file; main keeps its rows
	deleted, err := f.service.DeleteRows(ctx, bloc, "id = 1")
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)

	info, err := f.service.Info(ctx, bloc)
	require.NoError(t, err)
	require.EqualValues(t, 2, info.RowCount)
	info, err = f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.EqualValues(t, 3, info.RowCount)

	// dropping on the branch removes only the copy, reads fall back
	require.NoError(t, f.service.Drop(ctx, bloc))
	info, err = f.service.Info(ctx, bloc)
	require.NoError(t, err)
	require.EqualValues(t, 3, info.RowCount)

	// the drop snapshotted the branch copy, not main
	list, err := f.snaps.List(ctx, "p1", f.bucket, "orders")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, branch.ID, list[0].BranchID)
	require.EqualValues(t, 2, list[0].RowCount)

	// a table born on the branch never touches main
	scratch := tables.Location{ProjectID: "p1", BranchID: branch.ID, Bucket: f.bucket, Table: "scratch"}
	require.NoError(t, f.service.Create(ctx, scratch, stdColumns(), nil))
	deleted, err = f.service.DeleteRows(ctx, scratch, "id = 9")
	require.NoError(t, err)
	require.Zero(t, deleted)
	_, err = f.service.Info(ctx, f.loc("scratch"))
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestColumnLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "users", []string{"id"}, "id,name\n1,alpha\n2,beta\n")

	require.NoError(t, f.service.AddColumn(ctx, loc, tables.Column{Name: "note", Type: "VARCHAR", Nullable: true}))
	info, err := f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Len(t, info.Columns, 3)

	// the engine refuses NOT NULL on a populated table
	err = f.service.AddColumn(ctx, loc, tables.Column{Name: "strict", Type: "INTEGER"})
	require.Error(t, err)

	// bad definitions never reach the engine
	err = f.service.AddColumn(ctx, loc, tables.Column{Name: "x", Type: "INTEGER; DROP TABLE x"})
	require.True(t, tables.ErrInvalidInput.Has(err))

	// rename, retype, default set and drop
	require.NoError(t, f.service.AlterColumn(ctx, loc, "name", tables.ColumnChanges{NewName: strPtr("label")}))
	require.NoError(t, f.service.AddColumn(ctx, loc, tables.Column{Name: "qty", Type: "INTEGER", Nullable: true}))
	require.NoError(t, f.service.AlterColumn(ctx, loc, "qty", tables.ColumnChanges{NewType: strPtr("BIGINT")}))
	require.NoError(t, f.service.AlterColumn(ctx, loc, "qty", tables.ColumnChanges{NewDefault: strPtr("0")}))
	require.NoError(t, f.service.AlterColumn(ctx, loc, "qty", tables.ColumnChanges{NewDefault: strPtr("")}))

	info, err = f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Contains(t, columnNames(info), "label")
	require.NotContains(t, columnNames(info), "name")
	for _, col := range info.Columns {
		if col.Name == "qty" {
			require.Equal(t, "BIGINT", col.Type)
		}
	}

	err = f.service.AlterColumn(ctx, loc, "qty", tables.ColumnChanges{})
	require.True(t, tables.ErrInvalidInput.Has(err))
	err = f.service.AlterColumn(ctx, loc, "ghost", tables.ColumnChanges{NewName: strPtr("other")})
	require.True(t, catalog.ErrNotFound.Has(err))
	err = f.service.AlterColumn(ctx, loc, "label", tables.ColumnChanges{NewName: strPtr("note")})
	require.True(t, catalog.ErrAlreadyExists.Has(err))

	// dropping a column captures a snapshot first
	require.NoError(t, f.service.DropColumn(ctx, loc, "note"))
	info, err = f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.NotContains(t, columnNames(info), "note")
	list, err := f.snaps.List(ctx, "p1", f.bucket, "users")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, snapshots.TypeAutoPredropColumn, list[0].Type)

	// key members and the final column are protected
	err = f.service.DropColumn(ctx, loc, "id")
	require.True(t, tables.ErrInvalidInput.Has(err))
	err = f.service.DropColumn(ctx, loc, "ghost")
	require.True(t, catalog.ErrNotFound.Has(err))

	solo := f.loc("solo")
	require.NoError(t, f.service.Create(ctx, solo, []tables.Column{{Name: "id", Type: "BIGINT"}}, nil))
	err = f.service.DropColumn(ctx, solo, "id")
	require.True(t, tables.ErrInvalidInput.Has(err))
}

func TestPrimaryKeyLifecycle(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.createLoaded(t, ctx, "plain", nil, "id,name\n1,alpha\n2,beta\n")

	info, err := f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Empty(t, info.PrimaryKey)

	require.NoError(t, f.service.AddPrimaryKey(ctx, loc, []string{"id"}))
	info, err = f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, info.PrimaryKey)
	require.EqualValues(t, 2, info.RowCount)

	err = f.service.AddPrimaryKey(ctx, loc, []string{"id"})
	require.True(t, catalog.ErrAlreadyExists.Has(err))
	err = f.service.AddPrimaryKey(ctx, loc, nil)
	require.True(t, tables.ErrInvalidInput.Has(err))

	// the rebuilt table enforces the key
	dup := writeFile(t, ctx, "dup.csv", "id,name\n2,BETA\n")
	_, err = f.service.Import(ctx, loc, dup, tables.ImportOptions{Incremental: true})
	require.Error(t, err)

	// dropping the key relaxes the former key columns
	require.NoError(t, f.service.DropPrimaryKey(ctx, loc))
	info, err = f.service.Info(ctx, loc)
	require.NoError(t, err)
	require.Empty(t, info.PrimaryKey)
	for _, col := range info.Columns {
		if col.Name == "id" {
			require.True(t, col.Nullable)
		}
	}
	err = f.service.DropPrimaryKey(ctx, loc)
	require.True(t, tables.ErrInvalidInput.Has(err))

	// duplicate data blocks a new key
	dups := f.createLoaded(t, ctx, "dups", nil, "id,name\n1,a\n1,b\n")
	err = f.service.AddPrimaryKey(ctx, dups, []string{"id"})
	require.True(t, catalog.ErrAlreadyExists.Has(err))
	err = f.service.AddPrimaryKey(ctx, dups, []string{"ghost"})
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestProfile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.loc("metrics")
	require.NoError(t, f.service.Create(ctx, loc, []tables.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "segment", Type: "VARCHAR", Nullable: true},
		{Name: "email", Type: "VARCHAR", Nullable: true},
	}, nil))
	src := writeFile(t, ctx, "metrics.csv",
		"id,segment,email\n"+
			"1,alpha,a@example.com\n"+
			"2,alpha,b@example.com\n"+
			"3,beta,c@example.com\n"+
			"4,beta,d@example.com\n")
	_, err := f.service.Import(ctx, loc, src, tables.ImportOptions{})
	require.NoError(t, err)

	profile, err := f.service.Profile(ctx, loc)
	require.NoError(t, err)
	require.EqualValues(t, 4, profile.RowCount)
	require.Equal(t, 3, profile.ColumnCount)

	id := profile.Columns[0]
	require.Equal(t, "id", id.Name)
	require.Equal(t, "unique", id.Cardinality)
	require.NotNil(t, id.Min)
	require.Equal(t, "1", *id.Min)
	require.NotNil(t, id.Max)
	require.Equal(t, "4", *id.Max)
	require.NotNil(t, id.Numeric)
	require.InDelta(t, 2.5, id.Numeric.Mean, 1e-9)
	require.Len(t, id.Histogram, 10)
	var binned int64
	for _, bin := range id.Histogram {
		binned += bin.Count
	}
	require.EqualValues(t, 4, binned)

	segment := profile.Columns[1]
	require.Equal(t, "categorical", segment.Cardinality)
	require.Nil(t, segment.Numeric)

	email := profile.Columns[2]
	require.Equal(t, "email", email.Pattern)
	require.Zero(t, email.NullPercent)

	_, err = f.service.Profile(ctx, f.loc("missing"))
	require.True(t, catalog.ErrNotFound.Has(err))
}
