// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package tablelock serializes mutating operations per table file.
//
// Every writer of a table file must hold its lock for the duration of
// the operation. The lock is exclusive, waiters are served in FIFO
// order and an owner may re-acquire a lock it already holds.
package tablelock

import (
	"context"
	"sync"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// Error is the default tablelock errs class.
var Error = errs.Class("tablelock")

// ErrTimeout is returned when the wait for a busy lock expires.
var ErrTimeout = errs.Class("tablelock timeout")

// ErrBusy is returned by TryAcquire when the lock is held.
var ErrBusy = errs.Class("tablelock busy")

// Config configures the lock manager.
type Config struct {
	WaitTimeout time.Duration `help:"how long an operation waits for a busy table lock" default:"30s"`
}

// Key identifies one table file. Branch is empty for main.
type Key struct {
	Project string
	Branch  string
	Bucket  string
	Table   string
}

func (key Key) String() string {
	branch := key.Branch
	if branch == "" {
		branch = "main"
	}
	return key.Project + "/" + branch + "/" + key.Bucket + "/" + key.Table
}

// Manager hands out per-table exclusive locks.
type Manager struct {
	waitTimeout time.Duration

	mu    sync.Mutex
	locks map[Key]*lockState

	acquires int64
	timeouts int64
}

type lockState struct {
	owner   string
	depth   int
	waiters []*waiter
}

type waiter struct {
	owner   string
	ready   chan struct{}
	granted bool
}

// NewManager creates a lock manager.
func NewManager(config Config) *Manager {
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = 30 * time.Second
	}
	return &Manager{
		waitTimeout: config.WaitTimeout,
		locks:       map[Key]*lockState{},
	}
}

// Acquire takes the exclusive lock for key, waiting up to the
// configured timeout when it is busy. A non-empty owner that already
// holds the lock re-acquires it without waiting; the lock is released
// once every handle has been released.
func (m *Manager) Acquire(ctx context.Context, key Key, owner string) (_ *Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	start := time.Now()

	m.mu.Lock()
	state, held := m.locks[key]
	if !held {
		m.locks[key] = &lockState{owner: owner, depth: 1}
		m.acquires++
		m.mu.Unlock()
		mon.Counter("tablelock_acquire").Inc(1)
		return &Handle{manager: m, key: key, owner: owner}, nil
	}
	if owner != "" && state.owner == owner {
		state.depth++
		m.mu.Unlock()
		mon.Counter("tablelock_reacquire").Inc(1)
		return &Handle{manager: m, key: key, owner: owner}, nil
	}

	w := &waiter{owner: owner, ready: make(chan struct{})}
	state.waiters = append(state.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		m.mu.Lock()
		m.acquires++
		m.mu.Unlock()
		mon.Counter("tablelock_acquire").Inc(1)
		mon.IntVal("tablelock_wait_nanoseconds").Observe(time.Since(start).Nanoseconds())
		return &Handle{manager: m, key: key, owner: owner}, nil

	case <-timer.C:
		if m.abandonWait(key, w) {
			m.mu.Lock()
			m.timeouts++
			m.mu.Unlock()
			mon.Counter("tablelock_timeout").Inc(1)
			return nil, ErrTimeout.New("table %s is busy", key)
		}
		// granted while timing out
		return &Handle{manager: m, key: key, owner: owner}, nil

	case <-ctx.Done():
		if m.abandonWait(key, w) {
			return nil, Error.Wrap(ctx.Err())
		}
		return &Handle{manager: m, key: key, owner: owner}, nil
	}
}

// TryAcquire takes the lock only when it is immediately available.
func (m *Manager) TryAcquire(key Key, owner string) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, held := m.locks[key]
	if !held {
		m.locks[key] = &lockState{owner: owner, depth: 1}
		m.acquires++
		mon.Counter("tablelock_acquire").Inc(1)
		return &Handle{manager: m, key: key, owner: owner}, nil
	}
	if owner != "" && state.owner == owner {
		state.depth++
		return &Handle{manager: m, key: key, owner: owner}, nil
	}
	return nil, ErrBusy.New("table %s is busy", key)
}

// abandonWait removes w from the queue. It reports false when the lock
// was granted to w before it could be removed, in which case the caller
// owns the lock.
func (m *Manager) abandonWait(key Key, w *waiter) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.granted {
		return false
	}
	state, held := m.locks[key]
	if !held {
		return true
	}
	for i, candidate := range state.waiters {
		if candidate == w {
			state.waiters = append(state.waiters[:i], state.waiters[i+1:]...)
			break
		}
	}
	return true
}

func (m *Manager) release(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, held := m.locks[key]
	if !held {
		return
	}
	state.depth--
	if state.depth > 0 {
		return
	}

	if len(state.waiters) == 0 {
		delete(m.locks, key)
		return
	}

	next := state.waiters[0]
	state.waiters = state.waiters[1:]
	state.owner = next.owner
	state.depth = 1
	next.granted = true
	close(next.ready)
}

// Stats returns a point-in-time view of the manager.
func (m *Manager) Stats() (held int, waiting int, acquires int64, timeouts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	held = len(m.locks)
	for _, state := range m.locks {
		waiting += len(state.waiters)
	}
	return held, waiting, m.acquires, m.timeouts
}

// Handle represents one acquisition of a lock.
type Handle struct {
	manager *Manager
	key     Key
	owner   string
	once    sync.Once
}

// Key returns the key this handle locks.
func (h *Handle) Key() Key { return h.key }

// Owner returns the owner token the lock was acquired with.
func (h *Handle) Owner() string { return h.owner }

// Release releases this acquisition. Releasing twice is a no-op.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.manager.release(h.key)
	})
}
