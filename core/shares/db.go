// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package shares

import (
	"context"
	"time"
)

// Share is a grant: the source project exposes one bucket to one
// target project. It has no filesystem footprint.
type Share struct {
	SourceProjectID string
	SourceBucket    string
	TargetProjectID string
	ShareType       string // read_only
	RoleName        string
	CreatedAt       time.Time
}

// Link is a target-side attachment of a shared bucket. Views records
// the source tables projected at link time; the linked bucket never
// gains tables afterwards.
type Link struct {
	TargetProjectID string
	TargetBucket    string
	SourceProjectID string
	SourceBucket    string
	Views           []string
	CreatedAt       time.Time
}

// DB is the share and link registry.
type DB interface {
	CreateShare(ctx context.Context, share Share) (Share, error)
	GetShare(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) (Share, error)
	ListSharesBySource(ctx context.Context, sourceProjectID string) ([]Share, error)
	ListSharesByTarget(ctx context.Context, targetProjectID string) ([]Share, error)
	DeleteShare(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) error

	CreateLink(ctx context.Context, link Link) (Link, error)
	GetLink(ctx context.Context, targetProjectID, targetBucket string) (Link, error)
	ListLinks(ctx context.Context, targetProjectID string) ([]Link, error)
	ListLinksBySource(ctx context.Context, sourceProjectID string) ([]Link, error)
	DeleteLink(ctx context.Context, targetProjectID, targetBucket string) error
}
