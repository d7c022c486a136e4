// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package duck_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/internal/testcontext"
)

func TestQuoting(t *testing.T) {
	require.Equal(t, `"orders"`, duck.QuoteIdent("orders"))
	require.Equal(t, `"we""ird"`, duck.QuoteIdent(`we"ird`))
	require.Equal(t, `'plain'`, duck.QuoteString("plain"))
	require.Equal(t, `'it''s'`, duck.QuoteString("it's"))
}

func TestOpenExecAttach(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	first, err := duck.Open(ctx, ctx.File("first.duckdb"), duck.Options{})
	require.NoError(t, err)

	require.NoError(t, first.Exec(ctx, `CREATE TABLE main.data (id INTEGER, name VARCHAR)`))
	require.NoError(t, first.Exec(ctx, `INSERT INTO main.data VALUES (1, 'a'), (2, 'b')`))

	count, err := first.RowCount(ctx, "main.data")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	ctx.Check(first.Close)

	second, err := duck.Open(ctx, ctx.File("second.duckdb"), duck.Options{})
	require.NoError(t, err)
	defer ctx.Check(second.Close)

	require.NoError(t, second.Attach(ctx, ctx.File("first.duckdb"), "src", true))
	count, err = second.RowCount(ctx, `"src".main.data`)
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	// read-only attach rejects writes
	err = second.Exec(ctx, `INSERT INTO "src".main.data VALUES (3, 'c')`)
	require.Error(t, err)
	require.True(t, duck.EngineError.Has(err))

	require.NoError(t, second.Detach(ctx, "src"))
}

func TestOpenReadOnlyMissing(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	_, err := duck.Open(ctx, ctx.File("missing.duckdb"), duck.Options{ReadOnly: true})
	require.Error(t, err)
}
