// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package workspaces

import (
	"context"
	"time"
)

// Status enumerates stored workspace states. Expiry is derived from
// ExpiresAt, not stored.
type Status string

// Stored workspace states.
const (
	StatusActive  Status = "active"
	StatusError   Status = "error"
	StatusDeleted Status = "deleted"
)

// StatusExpired is the derived state of an active workspace past its
// expiry time.
const StatusExpired Status = "expired"

// Workspace is an isolated scratch database with its own credentials.
type Workspace struct {
	ID             string
	ProjectID      string
	BranchID       string // empty for main
	Name           string
	Status         Status
	SizeLimitBytes int64
	ExpiresAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// EffectiveStatus derives the externally visible status at now.
func (workspace Workspace) EffectiveStatus(now time.Time) Status {
	if workspace.Status == StatusActive && workspace.ExpiresAt != nil && workspace.ExpiresAt.Before(now) {
		return StatusExpired
	}
	return workspace.Status
}

// Credentials is the single credential row of a workspace.
type Credentials struct {
	WorkspaceID  string
	Username     string
	PasswordHash string // hex encoded SHA-256
	CreatedAt    time.Time
	RotatedAt    *time.Time
}

// SessionStatus enumerates how wire sessions end.
type SessionStatus string

// Session states.
const (
	SessionActive           SessionStatus = "active"
	SessionClientDisconnect SessionStatus = "client_disconnect"
	SessionTimeout          SessionStatus = "timeout"
	SessionServerDrain      SessionStatus = "server_drain"
	SessionIdleClosed       SessionStatus = "idle_closed"
)

// Session is one wire-protocol connection to a workspace.
type Session struct {
	ID             string
	WorkspaceID    string
	Username       string
	ClientAddr     string
	Status         SessionStatus
	StartedAt      time.Time
	LastActivityAt time.Time
	QueryCount     int64
	EndedAt        *time.Time
}

// DB is the workspace registry.
type DB interface {
	// Create stores the workspace and its credentials in one transaction.
	Create(ctx context.Context, workspace Workspace, creds Credentials) (Workspace, error)
	Get(ctx context.Context, projectID, id string) (Workspace, error)
	List(ctx context.Context, projectID string) ([]Workspace, error)
	ListForBranch(ctx context.Context, projectID, branchID string) ([]Workspace, error)
	UpdateStatus(ctx context.Context, projectID, id string, status Status) error
	Delete(ctx context.Context, projectID, id string) error

	Credentials(ctx context.Context, workspaceID string) (Credentials, error)
	// ByUsername resolves wire logins; it returns the workspace the
	// credentials belong to.
	ByUsername(ctx context.Context, username string) (Workspace, Credentials, error)
	// ResetCredentials replaces the credential row of the workspace.
	ResetCredentials(ctx context.Context, workspaceID string, creds Credentials) error
}

// Sessions is the wire session registry.
type Sessions interface {
	Create(ctx context.Context, session Session) (Session, error)
	Get(ctx context.Context, id string) (Session, error)
	CountActive(ctx context.Context, workspaceID string) (int, error)
	ListActive(ctx context.Context, workspaceID string) ([]Session, error)
	// Touch records activity and increments the query counter.
	Touch(ctx context.Context, id string, when time.Time) error
	Close(ctx context.Context, id string, status SessionStatus, when time.Time) error
	// CloseIdle closes active sessions with no activity since before
	// and returns them so live connections can be torn down.
	CloseIdle(ctx context.Context, before, when time.Time) ([]Session, error)
}
