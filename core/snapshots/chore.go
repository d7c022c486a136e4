// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package snapshots

import (
	"context"
	"time"

	"go.uber.org/zap"

	"duckpond.io/duckpond/internal/sync2"
)

// ChoreConfig configures the retention chore.
type ChoreConfig struct {
	Interval time.Duration `help:"how often expired snapshots are collected" default:"1h"`
}

// Chore removes expired snapshots in the background.
type Chore struct {
	log     *zap.Logger
	service *Service

	Loop *sync2.Cycle
}

// NewChore creates the retention chore.
func NewChore(log *zap.Logger, service *Service, config ChoreConfig) *Chore {
	return &Chore{
		log:     log,
		service: service,
		Loop:    sync2.NewCycle(config.Interval),
	}
}

// Run runs the retention loop until the context is canceled. Cleanup
// failures are logged so one bad pass does not stop the chore.
func (chore *Chore) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	return chore.Loop.Run(ctx, func(ctx context.Context) error {
		if _, err := chore.service.CleanupExpired(ctx, time.Now().UTC()); err != nil {
			chore.log.Error("snapshot retention pass failed", zap.Error(err))
		}
		return nil
	})
}

// Close stops the retention loop.
func (chore *Chore) Close() error {
	chore.Loop.Close()
	return nil
}
