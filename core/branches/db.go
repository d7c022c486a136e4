// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package branches

import (
	"context"
	"time"
)

// Branch is a development branch of a project. Branch directories
// shadow main; only tables written in the branch are copied into it.
type Branch struct {
	ID          string
	ProjectID   string
	Name        string
	Description string
	CreatedAt   time.Time
}

// Table records that a table has been copy-on-written into a branch.
type Table struct {
	BranchID  string
	ProjectID string
	Bucket    string
	Name      string
	CopiedAt  time.Time
}

// DB is the branch registry.
type DB interface {
	Create(ctx context.Context, branch Branch) (Branch, error)
	Get(ctx context.Context, projectID, id string) (Branch, error)
	List(ctx context.Context, projectID string) ([]Branch, error)
	Delete(ctx context.Context, projectID, id string) error

	MarkCopied(ctx context.Context, table Table) error
	UnmarkCopied(ctx context.Context, projectID, branchID, bucket, name string) error
	IsCopied(ctx context.Context, projectID, branchID, bucket, name string) (bool, error)
	ListCopied(ctx context.Context, projectID, branchID string) ([]Table, error)
}
