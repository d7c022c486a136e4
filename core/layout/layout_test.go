// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package layout_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"duckpond.io/duckpond/core/layout"
)

func TestPaths(t *testing.T) {
	l := layout.New("/data")

	join := func(elem ...string) string { return filepath.Join(elem...) }

	require.Equal(t, join("/data", "duckdb"), l.DuckRoot())
	require.Equal(t, join("/data", "duckdb", "project_123"), l.ProjectDir("123"))
	require.Equal(t, join("/data", "duckdb", "project_123_branch_ab12cd34"), l.BranchDir("123", "ab12cd34"))
	require.Equal(t, l.ProjectDir("123"), l.EffectiveDir("123", ""))
	require.Equal(t, l.BranchDir("123", "ab12cd34"), l.EffectiveDir("123", "ab12cd34"))

	require.Equal(t,
		join("/data", "duckdb", "project_123", "in_c_sales", "orders.duckdb"),
		l.TablePath("123", "", "in_c_sales", "orders"))
	require.Equal(t,
		join("/data", "duckdb", "project_123_branch_ab12cd34", "in_c_sales", "orders.duckdb"),
		l.TablePath("123", "ab12cd34", "in_c_sales", "orders"))

	require.Equal(t,
		join("/data", "duckdb", "project_123", "_workspaces", "ws_abc.duckdb"),
		l.WorkspacePath("123", "", "ws_abc"))
	require.Equal(t,
		join("/data", "duckdb", "_snapshots", "snap_xyz.duckdb"),
		l.SnapshotPath("snap_xyz"))
	require.Equal(t,
		join("/data", "duckdb", "project_123", "_catalog.duckdb"),
		l.LinkCatalogPath("123"))
}

func TestObjectPath(t *testing.T) {
	l := layout.New("/data")

	path, err := l.ObjectPath("p-123", "imports/2025/orders.csv")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/data", "s3", "p-123", "imports", "2025", "orders.csv"), path)

	_, err = l.ObjectPath("p-123", "../escape")
	require.Error(t, err)
	_, err = l.ObjectPath("p-123", "a/../../escape")
	require.Error(t, err)
	_, err = l.ObjectPath("p-123", "")
	require.Error(t, err)
	_, err = l.ObjectPath("p-123", ".")
	require.Error(t, err)
}

func TestValidateSegment(t *testing.T) {
	valid := []string{"orders", "in.c-sales", "T100", "a", "x-y_z.9"}
	for _, name := range valid {
		require.NoError(t, layout.ValidateSegment(name), name)
	}

	invalid := []string{
		"",
		".",
		"..",
		"a/b",
		`a\b`,
		"a\x00b",
		"_workspaces",
		"_snapshots",
		"name with space",
		"sales;drop",
	}
	for _, name := range invalid {
		require.Error(t, layout.ValidateSegment(name), name)
	}
}

func TestNormalizeBucketName(t *testing.T) {
	require.Equal(t, "in_c_sales", layout.NormalizeBucketName("in.c-sales"))
	require.Equal(t, "plain", layout.NormalizeBucketName("plain"))
}
