// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package migrate_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"duckpond.io/duckpond/internal/dbutil/sqliteutil"
	"duckpond.io/duckpond/internal/migrate"
	"duckpond.io/duckpond/internal/testcontext"
)

func openMemory(t *testing.T) *sql.DB {
	db, err := sqliteutil.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return db
}

func TestBasicMigration(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openMemory(t)
	log := zaptest.NewLogger(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{
				DB:          db,
				Description: "initial table",
				Version:     0,
				Action: migrate.SQL{
					`CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT NOT NULL)`,
				},
			},
			{
				DB:          db,
				Description: "seed row",
				Version:     1,
				Action: migrate.Func(func(ctx context.Context, log *zap.Logger, db *sql.DB, tx *sql.Tx) error {
					_, err := tx.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (1, 'mallard')`)
					return err
				}),
			},
		},
	}

	require.NoError(t, m.Run(ctx, log))

	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, version)

	var name string
	require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = 1`).Scan(&name))
	require.Equal(t, "mallard", name)

	// running again applies nothing new
	require.NoError(t, m.Run(ctx, log))
	version, err = m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 1, version)
}

func TestMigration_TargetVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openMemory(t)
	log := zaptest.NewLogger(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: db, Description: "a", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id INTEGER)`}},
			{DB: db, Description: "b", Version: 1, Action: migrate.SQL{`CREATE TABLE b (id INTEGER)`}},
		},
	}

	require.NoError(t, m.TargetVersion(0).Run(ctx, log))

	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)

	tables, err := sqliteutil.QuerySchema(db)
	require.NoError(t, err)
	require.Contains(t, tables, "a")
	require.NotContains(t, tables, "b")

	// the remaining step applies on a full run
	require.NoError(t, m.Run(ctx, log))
	tables, err = sqliteutil.QuerySchema(db)
	require.NoError(t, err)
	require.Contains(t, tables, "b")
}

func TestMigration_InvalidTableName(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openMemory(t)

	m := migrate.Migration{
		Table: "123-versions!",
		Steps: []*migrate.Step{
			{DB: db, Description: "a", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id INTEGER)`}},
		},
	}
	require.Error(t, m.Run(ctx, zaptest.NewLogger(t)))
}

func TestMigration_StepsOutOfOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openMemory(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: db, Description: "b", Version: 1, Action: migrate.SQL{`CREATE TABLE b (id INTEGER)`}},
			{DB: db, Description: "a", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id INTEGER)`}},
		},
	}
	require.Error(t, m.Run(ctx, zaptest.NewLogger(t)))
}

func TestMigration_FailedStepRollsBack(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openMemory(t)
	log := zaptest.NewLogger(t)

	m := migrate.Migration{
		Table: "versions",
		Steps: []*migrate.Step{
			{DB: db, Description: "a", Version: 0, Action: migrate.SQL{`CREATE TABLE a (id INTEGER)`}},
			{DB: db, Description: "broken", Version: 1, Action: migrate.SQL{`SYNTAX ERROR`}},
		},
	}
	require.Error(t, m.Run(ctx, log))

	// the failed step did not bump the version
	version, err := m.CurrentVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 0, version)
}
