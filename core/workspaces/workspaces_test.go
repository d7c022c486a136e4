// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package workspaces_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/catalogdb"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/core/workspaces"
	"duckpond.io/duckpond/internal/testcontext"
	"duckpond.io/duckpond/internal/testrand"
)

type fixture struct {
	layout  layout.Layout
	db      *catalogdb.DB
	service *workspaces.Service
}

func newFixture(t *testing.T, ctx *testcontext.Context, config workspaces.Config) *fixture {
	lay := layout.New(ctx.Dir("data"))

	db, err := catalogdb.OpenInMemory(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	locks := tablelock.NewManager(tablelock.Config{WaitTimeout: time.Second})
	branchService := branches.NewService(zaptest.NewLogger(t), lay, locks, db.Branches(), db.Tables())
	service := workspaces.NewService(zaptest.NewLogger(t), lay, db.Workspaces(), branchService, config)
	return &fixture{layout: lay, db: db, service: service}
}

// seedMainTable creates a real table file with id/label rows in main.
func (f *fixture) seedMainTable(t *testing.T, ctx *testcontext.Context, projectID, bucket, table string, rows int) {
	path := f.layout.TablePath(projectID, "", bucket, table)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	eng, err := duck.Open(ctx, path, duck.Options{})
	require.NoError(t, err)
	require.NoError(t, eng.Exec(ctx, "CREATE TABLE main.data (id INTEGER, label VARCHAR)"))
	for i := 0; i < rows; i++ {
		require.NoError(t, eng.Exec(ctx, "INSERT INTO main.data VALUES (?, ?)", i, "row"))
	}
	require.NoError(t, eng.Close())
}

func TestCreateReturnsPasswordOnce(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{
		DefaultSizeLimit: 1 << 30,
		PublicHost:       "duck.example.com",
		PublicPort:       5439,
	})

	workspace, info, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(workspace.ID, "ws_"))
	require.Equal(t, workspaces.StatusActive, workspace.Status)
	require.Nil(t, workspace.ExpiresAt)
	require.EqualValues(t, 1<<30, workspace.SizeLimitBytes)

	require.Equal(t, "duck.example.com", info.Host)
	require.Equal(t, 5439, info.Port)
	require.Equal(t, workspace.ID, info.Database)
	require.True(t, strings.HasPrefix(info.Username, workspace.ID+"_"))
	require.NotEmpty(t, info.Password)

	// the workspace file exists and is a database
	path := f.layout.WorkspacePath("p1", "", workspace.ID)
	fileInfo, err := os.Stat(path)
	require.NoError(t, err)
	require.Positive(t, fileInfo.Size())

	// only the hash is stored
	creds, err := f.db.Workspaces().Credentials(ctx, workspace.ID)
	require.NoError(t, err)
	require.Equal(t, workspaces.HashPassword(info.Password), creds.PasswordHash)
	require.NotEqual(t, info.Password, creds.PasswordHash)

	// TTL puts an expiry on the workspace
	expiring, _, err := f.service.Create(ctx, "p1", "", "shortlived", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, expiring.ExpiresAt)
	require.WithinDuration(t, time.Now().UTC().Add(time.Hour), *expiring.ExpiresAt, time.Minute)
}

func TestResetCredentials(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{})

	workspace, info, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)

	rotated, err := f.service.ResetCredentials(ctx, "p1", workspace.ID)
	require.NoError(t, err)
	require.Equal(t, info.Username, rotated.Username)
	require.NotEqual(t, info.Password, rotated.Password)

	creds, err := f.db.Workspaces().Credentials(ctx, workspace.ID)
	require.NoError(t, err)
	require.Equal(t, workspaces.HashPassword(rotated.Password), creds.PasswordHash)
	require.NotNil(t, creds.RotatedAt)

	_, err = f.service.ResetCredentials(ctx, "p1", "ws_missing000")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	active := workspaces.Workspace{Status: workspaces.StatusActive}
	require.Equal(t, workspaces.StatusActive, active.EffectiveStatus(now))

	notYet := workspaces.Workspace{Status: workspaces.StatusActive, ExpiresAt: &future}
	require.Equal(t, workspaces.StatusActive, notYet.EffectiveStatus(now))

	expired := workspaces.Workspace{Status: workspaces.StatusActive, ExpiresAt: &past}
	require.Equal(t, workspaces.StatusExpired, expired.EffectiveStatus(now))

	// stored error status wins over expiry derivation
	broken := workspaces.Workspace{Status: workspaces.StatusError, ExpiresAt: &past}
	require.Equal(t, workspaces.StatusError, broken.EffectiveStatus(now))
}

func TestDelete(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{})

	workspace, _, err := f.service.Create(ctx, "p1", "", "doomed", 0)
	require.NoError(t, err)
	path := f.layout.WorkspacePath("p1", "", workspace.ID)

	require.NoError(t, f.service.Delete(ctx, "p1", workspace.ID))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = f.service.Get(ctx, "p1", workspace.ID)
	require.True(t, catalog.ErrNotFound.Has(err))

	err = f.service.Delete(ctx, "p1", workspace.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestClearAndDropObject(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{})

	workspace, _, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)

	// put some objects into the workspace the way a wire session would
	path := f.layout.WorkspacePath("p1", "", workspace.ID)
	eng, err := duck.Open(ctx, path, duck.Options{})
	require.NoError(t, err)
	require.NoError(t, eng.Exec(ctx, "CREATE TABLE main.t1 (id INTEGER)"))
	require.NoError(t, eng.Exec(ctx, "CREATE TABLE main.t2 (id INTEGER)"))
	require.NoError(t, eng.Exec(ctx, "CREATE VIEW main.v1 AS SELECT * FROM main.t1"))
	require.NoError(t, eng.Close())

	// dropping a view goes through DROP VIEW
	require.NoError(t, f.service.DropObject(ctx, "p1", workspace.ID, "v1", false))

	err = f.service.DropObject(ctx, "p1", workspace.ID, "v1", false)
	require.True(t, catalog.ErrNotFound.Has(err))
	require.NoError(t, f.service.DropObject(ctx, "p1", workspace.ID, "v1", true))

	dropped, err := f.service.Clear(ctx, "p1", workspace.ID, false)
	require.NoError(t, err)
	require.Equal(t, 2, dropped)

	// nothing is left to clear
	dropped, err = f.service.Clear(ctx, "p1", workspace.ID, false)
	require.NoError(t, err)
	require.Equal(t, 0, dropped)
}

func TestLoadTables(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{DefaultSizeLimit: 1 << 30})
	bucket := testrand.BucketName()
	f.seedMainTable(t, ctx, "p1", bucket, "orders", 5)

	workspace, _, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)

	results, err := f.service.LoadTables(ctx, "p1", workspace.ID, []workspaces.LoadInput{
		{Bucket: bucket, Table: "orders"},
		{Bucket: bucket, Table: "orders", Destination: "recent", Columns: []string{"id"}, Where: "id >= 1", Limit: 3},
		{Bucket: bucket, Table: "missing"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	require.Equal(t, "orders", results[0].Destination)
	require.True(t, results[0].Found)
	require.EqualValues(t, 5, results[0].Rows)

	require.Equal(t, "recent", results[1].Destination)
	require.True(t, results[1].Found)
	require.EqualValues(t, 3, results[1].Rows)

	// a missing source does not fail the batch
	require.Equal(t, "missing", results[2].Destination)
	require.False(t, results[2].Found)
	require.EqualValues(t, 0, results[2].Rows)

	// the copies are real tables in the workspace file
	eng, err := duck.Open(ctx, f.layout.WorkspacePath("p1", "", workspace.ID), duck.Options{})
	require.NoError(t, err)
	defer func() { require.NoError(t, eng.Close()) }()

	count, err := eng.RowCount(ctx, "main.orders")
	require.NoError(t, err)
	require.EqualValues(t, 5, count)
	count, err = eng.RowCount(ctx, "main.recent")
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestLoadTablesRejectsBadWhere(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx, workspaces.Config{DefaultSizeLimit: 1 << 30})
	bucket := testrand.BucketName()
	f.seedMainTable(t, ctx, "p1", bucket, "orders", 2)

	workspace, _, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)

	_, err = f.service.LoadTables(ctx, "p1", workspace.ID, []workspaces.LoadInput{
		{Bucket: bucket, Table: "orders", Where: "1=1; DROP TABLE main.orders"},
	})
	require.Error(t, err)
}

func TestLoadTablesSizeLimit(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	// any real database file is over a one-byte limit
	f := newFixture(t, ctx, workspaces.Config{DefaultSizeLimit: 1})
	bucket := testrand.BucketName()
	f.seedMainTable(t, ctx, "p1", bucket, "orders", 1)

	workspace, _, err := f.service.Create(ctx, "p1", "", "scratch", 0)
	require.NoError(t, err)

	_, err = f.service.LoadTables(ctx, "p1", workspace.ID, []workspaces.LoadInput{
		{Bucket: bucket, Table: "orders"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "size limit")
}
