// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package catalog defines the durable metadata entities of the storage
// core and the interfaces the metadata database implements for them.
//
// The catalog is authoritative for existence and relationships; table
// files remain authoritative for schema and data. Row counts and sizes
// stored here are cached statistics.
package catalog

import (
	"context"
	"time"

	"github.com/zeebo/errs"
)

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errs.Class("not found")
	// ErrAlreadyExists is returned when a unique constraint is violated.
	ErrAlreadyExists = errs.Class("already exists")
)

// ProjectStatus enumerates project lifecycle states.
type ProjectStatus string

// Project lifecycle states.
const (
	ProjectActive  ProjectStatus = "active"
	ProjectDeleted ProjectStatus = "deleted"
)

// Project is a tenant of the storage core.
type Project struct {
	ID        string
	Name      string
	Status    ProjectStatus
	CreatedAt time.Time
	DeletedAt *time.Time
}

// Bucket groups tables inside a project. Names are stored normalized.
type Bucket struct {
	ProjectID   string
	Name        string
	DisplayName string
	CreatedAt   time.Time
}

// Table is the catalog registry entry of one table file.
type Table struct {
	ProjectID string
	BranchID  string // empty for main
	Bucket    string
	Name      string
	RowCount  int64
	SizeBytes int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// File is a staged upload registered through the three-stage flow.
type File struct {
	ID         string
	ProjectID  string
	Name       string
	Key        string
	SizeBytes  int64
	Registered bool
	CreatedAt  time.Time
}

// Operation is one entry of the audit log. Writes are best effort and
// must never fail the operation they describe.
type Operation struct {
	ID           int64
	OccurredAt   time.Time
	Actor        string
	ProjectID    string
	BranchID     string
	Name         string
	ResourceType string
	ResourceID   string
	Status       string
	Error        string
	Details      string // freeform JSON
	Duration     time.Duration
	RequestID    string
}

// Projects gives access to the project registry.
type Projects interface {
	Create(ctx context.Context, project Project) (Project, error)
	Get(ctx context.Context, id string) (Project, error)
	List(ctx context.Context) ([]Project, error)
	// MarkDeleted flips the project to deleted without removing the row,
	// so the id stays reserved and the audit trail intact.
	MarkDeleted(ctx context.Context, id string, when time.Time) error
}

// Buckets gives access to the bucket registry.
type Buckets interface {
	Create(ctx context.Context, bucket Bucket) (Bucket, error)
	Get(ctx context.Context, projectID, name string) (Bucket, error)
	List(ctx context.Context, projectID string) ([]Bucket, error)
	Delete(ctx context.Context, projectID, name string) error
}

// Tables gives access to the table registry.
type Tables interface {
	// Upsert records a table and refreshes its cached statistics.
	Upsert(ctx context.Context, table Table) error
	Get(ctx context.Context, projectID, branchID, bucket, name string) (Table, error)
	List(ctx context.Context, projectID, branchID, bucket string) ([]Table, error)
	Delete(ctx context.Context, projectID, branchID, bucket, name string) error
	DeleteAll(ctx context.Context, projectID string) error
}

// Files gives access to the staged-upload registry.
type Files interface {
	Create(ctx context.Context, file File) (File, error)
	Get(ctx context.Context, projectID, id string) (File, error)
	GetByKey(ctx context.Context, projectID, key string) (File, error)
	MarkRegistered(ctx context.Context, projectID, id string, size int64) error
	List(ctx context.Context, projectID string) ([]File, error)
	Delete(ctx context.Context, projectID, id string) error
}

// Ops is the audit log.
type Ops interface {
	// Log appends an entry. It never returns an error; failures are
	// logged by the implementation.
	Log(ctx context.Context, op Operation)
	ListRecent(ctx context.Context, projectID string, limit int) ([]Operation, error)
}
