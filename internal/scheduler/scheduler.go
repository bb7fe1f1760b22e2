// Package scheduler re-invokes the orchestrator tick on an in-process timer.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MinDelay is the shortest delay a tick can be scheduled with.
const MinDelay = time.Second

// TickFunc runs one tick.
type TickFunc func(ctx context.Context)

// Timer implements mirror.Scheduler with a single pending timer. A request for a
// later tick never postpones one that is already due sooner.
type Timer struct {
	mu      sync.Mutex
	ctx     context.Context
	tick    TickFunc
	timer   *time.Timer
	due     time.Time
	running sync.WaitGroup
	stopped bool
	now     func() time.Time
	logger  *zap.Logger
}

// New returns a Timer that calls tick with ctx. Nothing fires after ctx is done.
func New(ctx context.Context, tick TickFunc, logger *zap.Logger) *Timer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Timer{ctx: ctx, tick: tick, now: time.Now, logger: logger}
}

// Schedule arranges a tick after delay (at least MinDelay).
func (t *Timer) Schedule(delay time.Duration) {
	delay = max(delay, MinDelay)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.ctx.Err() != nil {
		return
	}
	due := t.now().Add(delay)
	if t.timer != nil && !t.due.After(due) {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.due = due
	t.timer = time.AfterFunc(delay, t.fire)
	t.logger.Debug("tick scheduled", zap.Duration("delay", delay))
}

// Pending reports when the next tick is due, if one is scheduled.
func (t *Timer) Pending() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.due, t.timer != nil
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.ctx.Err() != nil {
		t.mu.Unlock()
		return
	}
	t.timer = nil
	t.due = time.Time{}
	t.running.Add(1)
	t.mu.Unlock()

	defer t.running.Done()
	t.tick(t.ctx)
}

// Stop cancels the pending tick and waits for a running one to return.
func (t *Timer) Stop() {
	t.mu.Lock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	t.running.Wait()
}
