// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package sync2_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"duckpond.io/duckpond/internal/sync2"
)

func TestCycle_Basic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var count int64
	cycle := sync2.NewCycle(time.Hour)

	var group errgroup.Group
	cycle.Start(ctx, &group, func(ctx context.Context) error {
		atomic.AddInt64(&count, 1)
		return nil
	})

	// wait for the immediate first call
	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&count) >= 1
	}, 5*time.Second, time.Millisecond)

	cycle.TriggerWait()
	require.GreaterOrEqual(t, atomic.LoadInt64(&count), int64(2))

	cycle.Close()
	require.NoError(t, group.Wait())
}

func TestCycle_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cycle := sync2.NewCycle(time.Hour)

	var group errgroup.Group
	cycle.Start(ctx, &group, func(ctx context.Context) error {
		return nil
	})

	cancel()
	err := group.Wait()
	require.ErrorIs(t, err, context.Canceled)
}

func TestCycle_CloseWithoutRun(t *testing.T) {
	cycle := sync2.NewCycle(time.Hour)
	cycle.Close()
}
