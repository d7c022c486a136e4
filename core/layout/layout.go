// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package layout derives every on-disk path of the storage core from
// the data root. All functions are pure; nothing here touches the
// filesystem.
package layout

import (
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default layout errs class.
var Error = errs.Class("layout")

const (
	duckDir      = "duckdb"
	filesDir     = "files"
	objectsDir   = "s3"
	workspaceDir = "_workspaces"
	snapshotDir  = "_snapshots"
	linkCatalog  = "_catalog.duckdb"

	// TableSuffix is the extension of every table file.
	TableSuffix = ".duckdb"

	maxSegmentLength = 128
)

// Layout derives paths under a single data root.
type Layout struct {
	root string
}

// New creates a Layout rooted at root.
func New(root string) Layout {
	return Layout{root: root}
}

// Root returns the data root.
func (l Layout) Root() string { return l.root }

// CatalogPath is the default location of the metadata database.
func (l Layout) CatalogPath() string {
	return filepath.Join(l.root, "catalog.db")
}

// IdempotencyPath is the location of the idempotency response cache.
func (l Layout) IdempotencyPath() string {
	return filepath.Join(l.root, "idempotency.db")
}

// LockPath is the location of the process-exclusive lock file.
func (l Layout) LockPath() string {
	return filepath.Join(l.root, "duckpond.lock")
}

// DuckRoot returns the directory holding all project directories.
func (l Layout) DuckRoot() string {
	return filepath.Join(l.root, duckDir)
}

// ProjectDir returns the main directory of a project.
func (l Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.DuckRoot(), "project_"+projectID)
}

// BranchDir returns the shadow directory of a project branch.
func (l Layout) BranchDir(projectID, branchID string) string {
	return filepath.Join(l.DuckRoot(), "project_"+projectID+"_branch_"+branchID)
}

// EffectiveDir returns the directory serving reads and writes for the
// given branch; an empty branch means main.
func (l Layout) EffectiveDir(projectID, branchID string) string {
	if branchID == "" {
		return l.ProjectDir(projectID)
	}
	return l.BranchDir(projectID, branchID)
}

// BucketDir returns a bucket directory inside the effective project dir.
func (l Layout) BucketDir(projectID, branchID, bucket string) string {
	return filepath.Join(l.EffectiveDir(projectID, branchID), bucket)
}

// TablePath returns the table file path inside the effective project dir.
func (l Layout) TablePath(projectID, branchID, bucket, table string) string {
	return filepath.Join(l.BucketDir(projectID, branchID, bucket), table+TableSuffix)
}

// WorkspacesDir returns the workspace directory of the effective project.
func (l Layout) WorkspacesDir(projectID, branchID string) string {
	return filepath.Join(l.EffectiveDir(projectID, branchID), workspaceDir)
}

// WorkspacePath returns a workspace file path.
func (l Layout) WorkspacePath(projectID, branchID, workspaceID string) string {
	return filepath.Join(l.WorkspacesDir(projectID, branchID), workspaceID+TableSuffix)
}

// SnapshotsDir returns the directory holding all snapshot files.
func (l Layout) SnapshotsDir() string {
	return filepath.Join(l.DuckRoot(), snapshotDir)
}

// SnapshotPath returns a snapshot file path.
func (l Layout) SnapshotPath(snapshotID string) string {
	return filepath.Join(l.SnapshotsDir(), snapshotID+TableSuffix)
}

// LinkCatalogPath returns the project-level catalog file holding views
// over linked buckets. Links exist on main only.
func (l Layout) LinkCatalogPath(projectID string) string {
	return filepath.Join(l.ProjectDir(projectID), linkCatalog)
}

// FilesDir returns the staged-upload directory of a project.
func (l Layout) FilesDir(projectID string) string {
	return filepath.Join(l.root, filesDir, "project_"+projectID)
}

// FilePath returns a staged-upload file path.
func (l Layout) FilePath(projectID, key string) (string, error) {
	return securejoin(l.FilesDir(projectID), key)
}

// ObjectsDir returns the object-store directory of an object bucket.
func (l Layout) ObjectsDir(bucket string) string {
	return filepath.Join(l.root, objectsDir, bucket)
}

// ObjectPath returns an object file path. Keys may contain slashes but
// must stay inside the bucket directory.
func (l Layout) ObjectPath(bucket, key string) (string, error) {
	return securejoin(l.ObjectsDir(bucket), key)
}

// securejoin joins key under dir, rejecting keys that escape it.
func securejoin(dir, key string) (string, error) {
	if key == "" || strings.ContainsRune(key, 0) {
		return "", Error.New("invalid key %q", key)
	}
	joined := filepath.Join(dir, filepath.FromSlash(key))
	if joined != dir && !strings.HasPrefix(joined, dir+string(filepath.Separator)) {
		return "", Error.New("key %q escapes bucket directory", key)
	}
	if joined == dir {
		return "", Error.New("invalid key %q", key)
	}
	return joined, nil
}

// ValidateSegment checks that name is usable as a single path segment:
// a project id, branch id, bucket or table name. Names starting with an
// underscore are reserved for system directories.
func ValidateSegment(name string) error {
	switch {
	case name == "":
		return Error.New("name is empty")
	case len(name) > maxSegmentLength:
		return Error.New("name exceeds %d characters", maxSegmentLength)
	case name == "." || name == "..":
		return Error.New("invalid name %q", name)
	case strings.HasPrefix(name, "_"):
		return Error.New("name %q starts with reserved prefix", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '_' || r == '-' || r == '.':
		default:
			return Error.New("name %q contains invalid character %q", name, r)
		}
	}
	return nil
}

// NormalizeBucketName maps the characters the engine cannot carry in a
// schema name to underscores.
func NormalizeBucketName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' {
			return '_'
		}
		return r
	}, name)
}
