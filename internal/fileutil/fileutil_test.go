// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"duckpond.io/duckpond/internal/fileutil"
)

func TestCopy(t *testing.T) {
	dir := t.TempDir()

	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	dst := filepath.Join(dir, "nested", "dst.bin")
	require.NoError(t, fileutil.Copy(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)

	// overwrite keeps the new content
	require.NoError(t, os.WriteFile(src, []byte("second"), 0o644))
	require.NoError(t, fileutil.Copy(src, dst))

	data, err = os.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), data)
}

func TestCopy_MissingSource(t *testing.T) {
	dir := t.TempDir()
	err := fileutil.Copy(filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	require.Error(t, err)
	require.False(t, fileutil.Exists(filepath.Join(dir, "dst")))
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 32), 0o644))

	files, total, err := fileutil.DirSize(dir)
	require.NoError(t, err)
	require.Equal(t, 2, files)
	require.Equal(t, int64(42), total)

	files, total, err = fileutil.DirSize(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	require.Zero(t, files)
	require.Zero(t, total)
}
