// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package fileutil implements small filesystem helpers shared by the
// engines that clone and remove table files.
package fileutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"
)

// Error is the default error class for fileutil.
var Error = errs.Class("fileutil")

// Copy clones src into dst, creating parent directories as needed.
// The destination is written through a temporary file and renamed into
// place so a crash never leaves a partially written copy behind.
func Copy(src, dst string) (err error) {
	source, err := os.Open(src)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, source.Close()) }()

	info, err := source.Stat()
	if err != nil {
		return Error.Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return Error.Wrap(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := io.Copy(tmp, source); err != nil {
		_ = tmp.Close()
		return Error.Wrap(err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Error.Wrap(err)
	}
	if err := tmp.Chmod(info.Mode()); err != nil {
		_ = tmp.Close()
		return Error.Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		return Error.Wrap(err)
	}

	return Error.Wrap(os.Rename(tmp.Name(), dst))
}

// Exists reports whether path exists as a regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// DirExists reports whether path exists as a directory.
func DirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// DirSize walks dir and returns the total size of regular files and
// how many there were. A missing dir counts as empty.
func DirSize(dir string) (files int, total int64, err error) {
	err = filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.Mode().IsRegular() {
			files++
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, 0, nil
	}
	return files, total, Error.Wrap(err)
}
