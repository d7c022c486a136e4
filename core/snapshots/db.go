// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package snapshots

import (
	"context"
	"time"
)

// Snapshot is an immutable point-in-time copy of one table file.
type Snapshot struct {
	ID          string
	ProjectID   string
	BranchID    string // empty when captured on main
	Bucket      string
	Table       string
	Type        Type
	Description string
	RowCount    int64
	SizeBytes   int64
	FilePath    string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
}

// DB is the snapshot registry.
type DB interface {
	Create(ctx context.Context, snapshot Snapshot) (Snapshot, error)
	Get(ctx context.Context, projectID, id string) (Snapshot, error)
	// List filters by bucket and table when they are non-empty.
	List(ctx context.Context, projectID, bucket, table string) ([]Snapshot, error)
	Delete(ctx context.Context, projectID, id string) error
	// DeleteExpired removes rows whose expiry has passed and returns
	// them so the caller can unlink their files.
	DeleteExpired(ctx context.Context, now time.Time) ([]Snapshot, error)
}

// Configs stores the partial snapshot configuration per scope.
type Configs interface {
	// Get returns the stored config at the scope; a zero Config when
	// nothing is stored there.
	Get(ctx context.Context, scope Scope, projectID, bucket, table string) (Config, error)
	Upsert(ctx context.Context, scope Scope, projectID, bucket, table string, config Config) error
	Delete(ctx context.Context, scope Scope, projectID, bucket, table string) error
}
