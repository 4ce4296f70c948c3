// Package scheduler runs delayed tasks bound to the lifetime of the process.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Task is the work run when a scheduled delay elapses. Its context is
// cancelled when the scheduler stops.
type Task func(ctx context.Context)

// Scheduler tracks every pending task so shutdown can cancel and await them.
type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New returns a scheduler whose tasks are cancelled when parent is done.
func New(parent context.Context) *Scheduler {
	ctx, cancel := context.WithCancel(parent)
	return &Scheduler{ctx: ctx, cancel: cancel}
}

// After runs task once delay has elapsed. It reports false when the scheduler
// has already been stopped and the task was not scheduled.
func (s *Scheduler) After(delay time.Duration, task Task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			task(s.ctx)
		}
	}()
	return true
}

// Wait blocks until every scheduled task has run or been cancelled.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Stop cancels pending tasks and waits for running ones to return, or for
// ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
