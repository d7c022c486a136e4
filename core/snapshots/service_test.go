// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package snapshots_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/catalogdb"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/internal/testcontext"
	"duckpond.io/duckpond/internal/testrand"
)

type fixture struct {
	layout  layout.Layout
	db      *catalogdb.DB
	locks   *tablelock.Manager
	service *snapshots.Service
	bucket  string
}

func newFixture(t *testing.T, ctx *testcontext.Context) *fixture {
	return newFixtureWithLocks(t, ctx, tablelock.NewManager(tablelock.Config{WaitTimeout: time.Second}))
}

func newFixtureWithLocks(t *testing.T, ctx *testcontext.Context, locks *tablelock.Manager) *fixture {
	lay := layout.New(ctx.Dir("data"))

	db, err := catalogdb.OpenInMemory(ctx, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	require.NoError(t, db.MigrateToLatest(ctx))

	service := snapshots.NewService(zaptest.NewLogger(t), lay, locks,
		db.Snapshots(), db.SnapshotConfigs(), db.Tables())
	return &fixture{layout: lay, db: db, locks: locks, service: service, bucket: testrand.BucketName()}
}

// seedTable writes a real table file so captures can count its rows.
func (f *fixture) seedTable(t *testing.T, ctx *testcontext.Context, table string, rows int) snapshots.Location {
	loc := snapshots.Location{ProjectID: "p1", Bucket: f.bucket, Table: table}
	path := f.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))

	engine, err := duck.Open(ctx, path, duck.Options{})
	require.NoError(t, err)
	require.NoError(t, engine.Exec(ctx, "CREATE TABLE main.data (id INTEGER, label VARCHAR)"))
	for i := 0; i < rows; i++ {
		require.NoError(t, engine.Exec(ctx, "INSERT INTO main.data VALUES (?, ?)", i, fmt.Sprintf("row-%d", i)))
	}
	require.NoError(t, engine.Close())
	return loc
}

func (f *fixture) rowCount(t *testing.T, ctx *testcontext.Context, path string) int64 {
	engine, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	require.NoError(t, err)
	count, err := engine.RowCount(ctx, "main.data")
	require.NoError(t, err)
	require.NoError(t, engine.Close())
	return count
}

func TestManualCapture(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 3)

	snap, err := f.service.Manual(ctx, loc, "before milestone")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(snap.ID, "snap_"))
	require.Equal(t, snapshots.TypeManual, snap.Type)
	require.Equal(t, "before milestone", snap.Description)
	require.EqualValues(t, 3, snap.RowCount)
	require.NotZero(t, snap.SizeBytes)
	require.FileExists(t, snap.FilePath)

	// manual captures expire per the default retention
	require.NotNil(t, snap.ExpiresAt)
	require.WithinDuration(t, time.Now().AddDate(0, 0, 90), *snap.ExpiresAt, time.Minute)

	// the copy is faithful and the source stays untouched
	require.EqualValues(t, 3, f.rowCount(t, ctx, snap.FilePath))
	require.EqualValues(t, 3, f.rowCount(t, ctx, f.layout.TablePath("p1", "", f.bucket, "orders")))

	got, err := f.service.Get(ctx, "p1", snap.ID)
	require.NoError(t, err)
	require.Equal(t, snap.ID, got.ID)
	require.Equal(t, f.bucket, got.Bucket)
	require.Equal(t, "orders", got.Table)

	list, err := f.service.List(ctx, "p1", f.bucket, "orders")
	require.NoError(t, err)
	require.Len(t, list, 1)

	list, err = f.service.List(ctx, "p1", f.bucket, "other")
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = f.service.Manual(ctx, snapshots.Location{ProjectID: "p1", Bucket: f.bucket, Table: "missing"}, "")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestManualRetentionOverride(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 1)

	// zero retention means the capture never expires
	err := f.service.SetConfig(ctx, snapshots.ScopeTable, "p1", f.bucket, "orders",
		snapshots.Config{ManualRetentionDays: intPtr(0)})
	require.NoError(t, err)

	snap, err := f.service.Manual(ctx, loc, "pinned")
	require.NoError(t, err)
	require.Nil(t, snap.ExpiresAt)
}

func TestAutoBefore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 2)

	snap, err := f.service.AutoBefore(ctx, loc, snapshots.TriggerDropTable, "")
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, snapshots.TypeAutoPredrop, snap.Type)
	require.Equal(t, "Auto-backup before DROP TABLE", snap.Description)
	require.EqualValues(t, 2, snap.RowCount)
	require.NotNil(t, snap.ExpiresAt)
	require.WithinDuration(t, time.Now().AddDate(0, 0, 7), *snap.ExpiresAt, time.Minute)

	// delete-all is off by default
	snap, err = f.service.AutoBefore(ctx, loc, snapshots.TriggerDeleteAllRows, "")
	require.NoError(t, err)
	require.Nil(t, snap)

	// a table-scope override silences an enabled trigger
	err = f.service.SetConfig(ctx, snapshots.ScopeTable, "p1", f.bucket, "orders",
		snapshots.Config{OnDropTable: boolPtr(false)})
	require.NoError(t, err)
	snap, err = f.service.AutoBefore(ctx, loc, snapshots.TriggerDropTable, "")
	require.NoError(t, err)
	require.Nil(t, snap)

	// disabling snapshots at the project silences every trigger
	err = f.service.SetConfig(ctx, snapshots.ScopeProject, "p1", "", "",
		snapshots.Config{Enabled: boolPtr(false)})
	require.NoError(t, err)
	snap, err = f.service.AutoBefore(ctx, loc, snapshots.TriggerDropColumn, "")
	require.NoError(t, err)
	require.Nil(t, snap)
}

func TestAutoBeforeUnderHeldLock(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	locks := tablelock.NewManager(tablelock.Config{WaitTimeout: 50 * time.Millisecond})
	f := newFixtureWithLocks(t, ctx, locks)
	loc := f.seedTable(t, ctx, "orders", 1)

	handle, err := locks.Acquire(ctx, tablelock.Key{Project: "p1", Bucket: f.bucket, Table: "orders"}, "op-1")
	require.NoError(t, err)
	defer handle.Release()

	// the operation holding the lock captures without deadlocking
	snap, err := f.service.AutoBefore(ctx, loc, snapshots.TriggerDropTable, "op-1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	// anyone else queues behind the held lock and times out
	_, err = f.service.Manual(ctx, loc, "blocked")
	require.True(t, tablelock.ErrTimeout.Has(err))
}

func TestConfigLayering(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	err := f.service.SetConfig(ctx, snapshots.ScopeSystem, "", "", "",
		snapshots.Config{AutoRetentionDays: intPtr(3)})
	require.NoError(t, err)
	err = f.service.SetConfig(ctx, snapshots.ScopeProject, "p1", "", "",
		snapshots.Config{OnTruncateTable: boolPtr(true)})
	require.NoError(t, err)
	err = f.service.SetConfig(ctx, snapshots.ScopeTable, "p1", f.bucket, "orders",
		snapshots.Config{OnTruncateTable: boolPtr(false)})
	require.NoError(t, err)

	resolution, err := f.service.Resolve(ctx, "p1", f.bucket, "orders")
	require.NoError(t, err)
	require.False(t, resolution.Effective.OnTruncateTable)
	require.Equal(t, snapshots.ScopeTable, resolution.Inheritance[snapshots.FieldOnTruncate])
	require.Equal(t, 3, resolution.Effective.AutoRetentionDays)
	require.Equal(t, snapshots.ScopeSystem, resolution.Inheritance[snapshots.FieldAutoDays])

	// a sibling table inherits the project setting
	resolution, err = f.service.Resolve(ctx, "p1", f.bucket, "other")
	require.NoError(t, err)
	require.True(t, resolution.Effective.OnTruncateTable)
	require.Equal(t, snapshots.ScopeProject, resolution.Inheritance[snapshots.FieldOnTruncate])

	// GetConfig returns exactly what is stored at the scope
	stored, err := f.service.GetConfig(ctx, snapshots.ScopeProject, "p1", "", "")
	require.NoError(t, err)
	require.NotNil(t, stored.OnTruncateTable)
	require.True(t, *stored.OnTruncateTable)
	require.Nil(t, stored.Enabled)

	// storing a zero config clears the scope
	err = f.service.SetConfig(ctx, snapshots.ScopeProject, "p1", "", "", snapshots.Config{})
	require.NoError(t, err)
	stored, err = f.service.GetConfig(ctx, snapshots.ScopeProject, "p1", "", "")
	require.NoError(t, err)
	require.True(t, stored.IsZero())

	resolution, err = f.service.Resolve(ctx, "p1", f.bucket, "other")
	require.NoError(t, err)
	require.False(t, resolution.Effective.OnTruncateTable)
}

func TestRestore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 3)
	path := f.layout.TablePath("p1", "", f.bucket, "orders")

	snap, err := f.service.Manual(ctx, loc, "pre-wipe")
	require.NoError(t, err)

	// wreck the original
	engine, err := duck.Open(ctx, path, duck.Options{})
	require.NoError(t, err)
	require.NoError(t, engine.Exec(ctx, "DELETE FROM main.data"))
	require.NoError(t, engine.Close())
	require.EqualValues(t, 0, f.rowCount(t, ctx, path))

	result, err := f.service.Restore(ctx, "p1", snap.ID, "")
	require.NoError(t, err)
	require.EqualValues(t, 3, result.RowCount)
	require.Equal(t, f.bucket+".orders", result.RestoredTo)
	require.EqualValues(t, 3, f.rowCount(t, ctx, path))

	// the registry reflects the restored stats
	entry, err := f.db.Tables().Get(ctx, "p1", "", f.bucket, "orders")
	require.NoError(t, err)
	require.EqualValues(t, 3, entry.RowCount)
	require.NotZero(t, entry.SizeBytes)

	// restoring into a fresh table leaves the original alone
	result, err = f.service.Restore(ctx, "p1", snap.ID, "orders_restored")
	require.NoError(t, err)
	require.Equal(t, f.bucket+".orders_restored", result.RestoredTo)
	require.EqualValues(t, 3, f.rowCount(t, ctx, f.layout.TablePath("p1", "", f.bucket, "orders_restored")))
	require.EqualValues(t, 3, f.rowCount(t, ctx, path))

	// an existing target is never overwritten
	_, err = f.service.Restore(ctx, "p1", snap.ID, "orders_restored")
	require.True(t, catalog.ErrAlreadyExists.Has(err))

	_, err = f.service.Restore(ctx, "p1", "snap_nope", "")
	require.True(t, catalog.ErrNotFound.Has(err))

	// a snapshot whose file vanished cannot restore
	require.NoError(t, os.Remove(snap.FilePath))
	_, err = f.service.Restore(ctx, "p1", snap.ID, "")
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestDeleteSnapshot(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 2)

	snap, err := f.service.Manual(ctx, loc, "")
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(ctx, "p1", snap.ID))
	_, err = f.service.Get(ctx, "p1", snap.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = os.Stat(snap.FilePath)
	require.True(t, os.IsNotExist(err))

	err = f.service.Delete(ctx, "p1", snap.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
}

func TestCleanupExpired(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)
	loc := f.seedTable(t, ctx, "orders", 2)

	expiring, err := f.service.Manual(ctx, loc, "expiring")
	require.NoError(t, err)
	require.NotNil(t, expiring.ExpiresAt)

	err = f.service.SetConfig(ctx, snapshots.ScopeTable, "p1", f.bucket, "orders",
		snapshots.Config{ManualRetentionDays: intPtr(0)})
	require.NoError(t, err)
	pinned, err := f.service.Manual(ctx, loc, "pinned")
	require.NoError(t, err)
	require.Nil(t, pinned.ExpiresAt)

	// nothing is due yet
	removed, err := f.service.CleanupExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Zero(t, removed)

	removed, err = f.service.CleanupExpired(ctx, time.Now().UTC().AddDate(0, 0, 91))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = f.service.Get(ctx, "p1", expiring.ID)
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = os.Stat(expiring.FilePath)
	require.True(t, os.IsNotExist(err))

	// the never-expiring snapshot survives
	got, err := f.service.Get(ctx, "p1", pinned.ID)
	require.NoError(t, err)
	require.FileExists(t, got.FilePath)
}

func TestRetentionChore(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	f := newFixture(t, ctx)

	staleFile := func(id string) string {
		path := ctx.File("stale", id+".duckdb")
		require.NoError(t, os.WriteFile(path, []byte("leftover"), 0o644))
		expired := time.Now().UTC().Add(-time.Hour)
		_, err := f.db.Snapshots().Create(ctx, snapshots.Snapshot{
			ID: id, ProjectID: "p1", Bucket: f.bucket, Table: "orders",
			Type: snapshots.TypeManual, FilePath: path,
			CreatedAt: time.Now().UTC().Add(-2 * time.Hour), ExpiresAt: &expired,
		})
		require.NoError(t, err)
		return path
	}
	first := staleFile("snap_stale1")

	chore := snapshots.NewChore(zaptest.NewLogger(t), f.service, snapshots.ChoreConfig{Interval: time.Hour})
	ctx.Go(func() error { return chore.Run(ctx) })
	defer ctx.Check(chore.Close)

	chore.Loop.TriggerWait()
	_, err := f.service.Get(ctx, "p1", "snap_stale1")
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = os.Stat(first)
	require.True(t, os.IsNotExist(err))

	// the loop keeps collecting on later passes
	second := staleFile("snap_stale2")
	chore.Loop.TriggerWait()
	_, err = f.service.Get(ctx, "p1", "snap_stale2")
	require.True(t, catalog.ErrNotFound.Has(err))
	_, err = os.Stat(second)
	require.True(t, os.IsNotExist(err))
}
