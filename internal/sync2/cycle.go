// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Cycle implements a controllable recurring event.
//
// Cycle calls the fn in regular intervals. The fn is also called immediately
// when the cycle starts, so services come up with fresh state.
type Cycle struct {
	interval time.Duration

	ticker  *time.Ticker
	control chan any

	stopsent bool
	runexec  bool

	stopping chan struct{}
	stopped  chan struct{}

	init sync.Once
	mu   sync.Mutex
}

type (
	cyclePause    struct{}
	cycleContinue struct{}
	cycleChange   struct{ interval time.Duration }
	cycleTrigger  struct{ done chan struct{} }
)

// NewCycle creates a new cycle with the specified interval.
func NewCycle(interval time.Duration) *Cycle {
	cycle := &Cycle{}
	cycle.SetInterval(interval)
	return cycle
}

// SetInterval allows changing the interval before starting.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.interval = interval
}

func (cycle *Cycle) initialize() {
	cycle.init.Do(func() {
		cycle.stopped = make(chan struct{})
		cycle.stopping = make(chan struct{})
		cycle.control = make(chan any)
	})
}

// Start runs the cycle inside the group.
func (cycle *Cycle) Start(ctx context.Context, group *errgroup.Group, fn func(ctx context.Context) error) {
	group.Go(func() error {
		return cycle.Run(ctx, fn)
	})
}

// Run runs fn in regular intervals, starting with an immediate call.
// Returns when the context is canceled or fn returns an error.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	cycle.initialize()

	cycle.mu.Lock()
	if cycle.runexec {
		cycle.mu.Unlock()
		panic("cycle already running")
	}
	cycle.runexec = true
	cycle.mu.Unlock()

	defer close(cycle.stopped)

	currentInterval := cycle.interval
	cycle.ticker = time.NewTicker(currentInterval)
	defer cycle.ticker.Stop()

	if err := fn(ctx); err != nil {
		return err
	}

	for {
		select {
		case message := <-cycle.control:
			switch message := message.(type) {
			case cycleChange:
				currentInterval = message.interval
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cyclePause:
				cycle.ticker.Stop()
				// drain a pending tick
				select {
				case <-cycle.ticker.C:
				default:
				}

			case cycleContinue:
				cycle.ticker.Stop()
				cycle.ticker = time.NewTicker(currentInterval)

			case cycleTrigger:
				err := fn(ctx)
				if message.done != nil {
					close(message.done)
				}
				if err != nil {
					return err
				}
			}

		case <-cycle.stopping:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-cycle.ticker.C:
			if err := fn(ctx); err != nil {
				return err
			}
		}
	}
}

// Close stops the cycle permanently and waits for the current call to finish.
func (cycle *Cycle) Close() {
	cycle.Stop()

	cycle.mu.Lock()
	started := cycle.runexec
	cycle.mu.Unlock()
	if started {
		<-cycle.stopped
	}
}

// Stop requests the cycle to stop, without waiting.
func (cycle *Cycle) Stop() {
	cycle.initialize()

	cycle.mu.Lock()
	if !cycle.stopsent {
		cycle.stopsent = true
		close(cycle.stopping)
	}
	cycle.mu.Unlock()
}

// ChangeInterval changes the ticker interval of a running cycle.
func (cycle *Cycle) ChangeInterval(interval time.Duration) {
	cycle.sendControl(cycleChange{interval})
}

// Pause pauses the cycle until Restart is called.
func (cycle *Cycle) Pause() {
	cycle.sendControl(cyclePause{})
}

// Restart restarts the ticker from zero.
func (cycle *Cycle) Restart() {
	cycle.sendControl(cycleContinue{})
}

// Trigger ensures fn runs at least once more, without waiting for it.
func (cycle *Cycle) Trigger() {
	cycle.sendControl(cycleTrigger{})
}

// TriggerWait runs fn once more and waits for it to complete.
func (cycle *Cycle) TriggerWait() {
	done := make(chan struct{})
	cycle.sendControl(cycleTrigger{done})
	select {
	case <-done:
	case <-cycle.stopped:
	}
}

func (cycle *Cycle) sendControl(message any) {
	cycle.initialize()
	select {
	case cycle.control <- message:
	case <-cycle.stopping:
	case <-cycle.stopped:
	}
}
