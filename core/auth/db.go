// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package auth

import (
	"context"
	"time"
)

// Scope limits what an API key may do.
type Scope string

// API key scopes.
const (
	// ScopeProjectAdmin grants every operation inside the key's project.
	ScopeProjectAdmin Scope = "project_admin"
	// ScopeBranchAdmin grants writes inside one branch of the project.
	ScopeBranchAdmin Scope = "branch_admin"
	// ScopeBranchRead grants reads inside one branch of the project.
	ScopeBranchRead Scope = "branch_read"
)

// APIKey is the stored form of an issued key. The secret itself is
// never stored; only its adaptive hash and lookup prefix are.
type APIKey struct {
	ID          string
	ProjectID   string
	BranchID    string // set for branch-scoped keys
	Scope       Scope
	Description string
	KeyHash     []byte
	KeyPrefix   string
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	LastUsedAt  *time.Time
}

// Live reports whether the key is usable at now.
func (key APIKey) Live(now time.Time) bool {
	if key.RevokedAt != nil {
		return false
	}
	if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
		return false
	}
	return true
}

// Keys is the API key registry.
type Keys interface {
	Create(ctx context.Context, key APIKey) (APIKey, error)
	Get(ctx context.Context, id string) (APIKey, error)
	// GetByPrefix returns every key sharing the lookup prefix; the
	// caller verifies hashes against the presented secret.
	GetByPrefix(ctx context.Context, prefix string) ([]APIKey, error)
	List(ctx context.Context, projectID string) ([]APIKey, error)
	Revoke(ctx context.Context, id string, when time.Time) error
	DeleteForProject(ctx context.Context, projectID string) error
	// UpdateLastUsed is best effort; callers ignore its error.
	UpdateLastUsed(ctx context.Context, id string, when time.Time) error
}

// S3AccessKey is a signature-v4 credential for the S3 surface. The
// secret must be recoverable to derive signing keys, so unlike API
// keys it is stored as issued.
type S3AccessKey struct {
	AccessKeyID string
	Secret      string
	ProjectID   string // empty grants admin
	Description string
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Live reports whether the access key is usable.
func (key S3AccessKey) Live() bool { return key.RevokedAt == nil }

// S3Keys is the S3 access key registry.
type S3Keys interface {
	Create(ctx context.Context, key S3AccessKey) (S3AccessKey, error)
	Get(ctx context.Context, accessKeyID string) (S3AccessKey, error)
	List(ctx context.Context, projectID string) ([]S3AccessKey, error)
	Revoke(ctx context.Context, accessKeyID string, when time.Time) error
}
