// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tablelock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/internal/testcontext"
)

func testKey() tablelock.Key {
	return tablelock.Key{Project: "123", Bucket: "in_c_sales", Table: "orders"}
}

func TestExclusion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: time.Second})

	first, err := manager.Acquire(ctx, testKey(), "op-1")
	require.NoError(t, err)

	_, err = manager.TryAcquire(testKey(), "op-2")
	require.True(t, tablelock.ErrBusy.Has(err))

	// a different table is independent
	other := testKey()
	other.Table = "customers"
	handle, err := manager.TryAcquire(other, "op-2")
	require.NoError(t, err)
	handle.Release()

	first.Release()

	handle, err = manager.TryAcquire(testKey(), "op-2")
	require.NoError(t, err)
	handle.Release()
}

func TestTimeout(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: 20 * time.Millisecond})

	first, err := manager.Acquire(ctx, testKey(), "op-1")
	require.NoError(t, err)
	defer first.Release()

	_, err = manager.Acquire(ctx, testKey(), "op-2")
	require.True(t, tablelock.ErrTimeout.Has(err))

	_, _, _, timeouts := manager.Stats()
	require.EqualValues(t, 1, timeouts)
}

func TestReentrancy(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: time.Second})

	outer, err := manager.Acquire(ctx, testKey(), "op-1")
	require.NoError(t, err)

	inner, err := manager.Acquire(ctx, testKey(), "op-1")
	require.NoError(t, err)

	// still held after releasing the inner acquisition
	inner.Release()
	_, err = manager.TryAcquire(testKey(), "op-2")
	require.True(t, tablelock.ErrBusy.Has(err))

	outer.Release()
	handle, err := manager.TryAcquire(testKey(), "op-2")
	require.NoError(t, err)
	handle.Release()
}

func TestAnonymousOwnersDoNotReenter(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: 20 * time.Millisecond})

	handle, err := manager.Acquire(ctx, testKey(), "")
	require.NoError(t, err)
	defer handle.Release()

	_, err = manager.Acquire(ctx, testKey(), "")
	require.True(t, tablelock.ErrTimeout.Has(err))
}

func TestFIFOOrder(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: 10 * time.Second})

	holder, err := manager.Acquire(ctx, testKey(), "holder")
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int

	waiting := func(n int) {
		require.Eventually(t, func() bool {
			_, count, _, _ := manager.Stats()
			return count == n
		}, 5*time.Second, time.Millisecond)
	}

	for i := 1; i <= 3; i++ {
		i := i
		ctx.Go(func() error {
			handle, err := manager.Acquire(ctx, testKey(), "")
			if err != nil {
				return err
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			handle.Release()
			return nil
		})
		waiting(i)
	}

	holder.Release()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 5*time.Second, time.Millisecond)

	mu.Lock()
	require.Equal(t, []int{1, 2, 3}, order)
	mu.Unlock()
}

func TestAcquireContextCanceled(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	manager := tablelock.NewManager(tablelock.Config{WaitTimeout: time.Minute})

	holder, err := manager.Acquire(ctx, testKey(), "holder")
	require.NoError(t, err)
	defer holder.Release()

	canceled, cancel := context.WithCancel(ctx)
	cancel()

	_, err = manager.Acquire(canceled, testKey(), "op-2")
	require.Error(t, err)
}
