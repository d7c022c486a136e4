// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package testcontext implements a convenience context for testing.
package testcontext

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultTimeout = 3 * time.Minute

// Context adds a test directory, a goroutine group and cleanup checks
// on top of context.Context.
type Context struct {
	context.Context

	timedctx context.Context
	cancel   context.CancelFunc

	group *errgroup.Group
	test  testing.TB

	once      sync.Once
	directory string

	mu      sync.Mutex
	cleanup []func() error
}

// New creates a new test context with the default timeout.
func New(test testing.TB) *Context {
	return NewWithTimeout(test, defaultTimeout)
}

// NewWithTimeout creates a new test context with the given timeout.
func NewWithTimeout(test testing.TB, timeout time.Duration) *Context {
	timedctx, cancel := context.WithTimeout(context.Background(), timeout)
	group, errctx := errgroup.WithContext(timedctx)

	return &Context{
		Context:  errctx,
		timedctx: timedctx,
		cancel:   cancel,
		group:    group,
		test:     test,
	}
}

// Go runs fn in a goroutine.
// Call Cleanup to check the result.
func (ctx *Context) Go(fn func() error) {
	ctx.test.Helper()
	ctx.group.Go(fn)
}

// Check calls fn and fails the test on error. Handy for deferred closes:
//
//	defer ctx.Check(db.Close)
func (ctx *Context) Check(fn func() error) {
	ctx.test.Helper()
	if err := fn(); err != nil {
		ctx.test.Fatal(err)
	}
}

// Dir returns a directory path inside the test's temporary directory,
// creating it when missing.
func (ctx *Context) Dir(subs ...string) string {
	ctx.test.Helper()

	ctx.once.Do(func() {
		var err error
		ctx.directory, err = os.MkdirTemp("", escapeName(ctx.test.Name()))
		if err != nil {
			ctx.test.Fatal(err)
		}
	})

	dir := filepath.Join(append([]string{ctx.directory}, subs...)...)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		ctx.test.Fatal(err)
	}
	return dir
}

// File returns a file path inside the test's temporary directory.
func (ctx *Context) File(subs ...string) string {
	ctx.test.Helper()

	if len(subs) == 0 {
		ctx.test.Fatal("expected at least one argument")
	}
	dir := ctx.Dir(subs[:len(subs)-1]...)
	return filepath.Join(dir, subs[len(subs)-1])
}

// OnCleanup registers fn to run during Cleanup, after goroutines finish
// and before the directory is removed, in reverse registration order.
func (ctx *Context) OnCleanup(fn func() error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.cleanup = append(ctx.cleanup, fn)
}

// Cleanup waits for goroutines, checks errors, runs registered cleanup
// and deletes the temporary directory.
func (ctx *Context) Cleanup() {
	ctx.test.Helper()

	defer ctx.deleteTemporary()
	defer ctx.cancel()

	alldone := make(chan error, 1)
	go func() {
		alldone <- ctx.group.Wait()
	}()

	select {
	case <-ctx.timedctx.Done():
		if err := ctx.timedctx.Err(); err != nil && err != context.Canceled {
			ctx.test.Error(err)
		}
	case err := <-alldone:
		if err != nil {
			ctx.test.Error(err)
		}
	}

	ctx.mu.Lock()
	cleanup := ctx.cleanup
	ctx.cleanup = nil
	ctx.mu.Unlock()

	for i := len(cleanup) - 1; i >= 0; i-- {
		if err := cleanup[i](); err != nil {
			ctx.test.Error(err)
		}
	}
}

func (ctx *Context) deleteTemporary() {
	if ctx.directory == "" {
		return
	}
	if err := os.RemoveAll(ctx.directory); err != nil {
		ctx.test.Fatal(err)
	}
	ctx.directory = ""
}

func escapeName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == os.PathSeparator || r < ' ' || strings.ContainsRune(`<>:"/\|?*`, r) {
			return '+'
		}
		return r
	}, name)
}
