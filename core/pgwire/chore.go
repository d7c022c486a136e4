// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package pgwire

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duckpond.io/duckpond/internal/sync2"

	"duckpond.io/duckpond/core/workspaces"
)

// IdleChore periodically closes sessions with no recent activity.
type IdleChore struct {
	log      *zap.Logger
	server   *Server
	sessions workspaces.Sessions
	timeout  time.Duration

	Loop *sync2.Cycle
}

// NewIdleChore creates the idle sweep.
func NewIdleChore(log *zap.Logger, server *Server, sessions workspaces.Sessions, interval, timeout time.Duration) *IdleChore {
	return &IdleChore{
		log:      log,
		server:   server,
		sessions: sessions,
		timeout:  timeout,
		Loop:     sync2.NewCycle(interval),
	}
}

// Run sweeps on every cycle tick until the context is canceled.
func (chore *IdleChore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	return chore.Loop.Run(ctx, func(ctx context.Context) (err error) {
		defer mon.Task()(&ctx)(&err)
		if err := chore.RunOnce(ctx); err != nil {
			chore.log.Error("idle session sweep failed", zap.Error(err))
		}
		return nil
	})
}

// RunOnce closes every session idle longer than the timeout and tears
// down its live connection when it is still connected.
func (chore *IdleChore) RunOnce(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	now := time.Now().UTC()
	closed, err := chore.sessions.CloseIdle(ctx, now.Add(-chore.timeout), now)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, session := range closed {
		if chore.server.CloseSession(session.ID, workspaces.SessionIdleClosed) {
			chore.log.Info("closed idle session",
				zap.String("session", session.ID),
				zap.String("workspace", session.WorkspaceID))
		}
	}
	return nil
}

// Close stops the cycle.
func (chore *IdleChore) Close() error {
	chore.Loop.Close()
	return nil
}
