// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package pgwire

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/workspaces"
)

// Authentication failure classes. The wire surface translates these to
// protocol errors, the internal REST surface to status codes.
var (
	ErrInvalidCredentials = errs.Class("invalid credentials")
	ErrNotActive          = errs.Class("workspace not active")
	ErrExpired            = errs.Class("workspace expired")
	ErrTooManySessions    = errs.Class("too many connections")
)

// Verifier decides whether a wire login may proceed. The checks run in
// a fixed order: credentials exist, workspace active, not expired,
// session capacity left, and only then the password itself.
type Verifier struct {
	DB          workspaces.DB
	Sessions    workspaces.Sessions
	MaxSessions int
}

// Verify authenticates a wire login and returns the workspace it
// belongs to.
func (verifier Verifier) Verify(ctx context.Context, username, password string) (_ workspaces.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, creds, err := verifier.DB.ByUsername(ctx, username)
	if err != nil {
		if catalog.ErrNotFound.Has(err) {
			return workspaces.Workspace{}, ErrInvalidCredentials.New("unknown user %q", username)
		}
		return workspaces.Workspace{}, Error.Wrap(err)
	}

	now := time.Now().UTC()
	switch workspace.EffectiveStatus(now) {
	case workspaces.StatusActive:
	case workspaces.StatusExpired:
		return workspaces.Workspace{}, ErrExpired.New("workspace %s", workspace.ID)
	default:
		return workspaces.Workspace{}, ErrNotActive.New("workspace %s", workspace.ID)
	}

	if verifier.MaxSessions > 0 {
		active, err := verifier.Sessions.CountActive(ctx, workspace.ID)
		if err != nil {
			return workspaces.Workspace{}, Error.Wrap(err)
		}
		if active >= verifier.MaxSessions {
			return workspaces.Workspace{}, ErrTooManySessions.New("workspace %s has %d active sessions", workspace.ID, active)
		}
	}

	presented := workspaces.HashPassword(password)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(creds.PasswordHash)) != 1 {
		return workspaces.Workspace{}, ErrInvalidCredentials.New("wrong password for %q", username)
	}
	return workspace, nil
}
