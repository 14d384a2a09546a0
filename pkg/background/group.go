// Package background runs fire-and-forget work that must outlive the request
// that scheduled it, such as cache revalidation and enrollment calls.
package background

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// FailureFunc is notified when a task returns an error or panics.
type FailureFunc func(task string, err error)

// Group tracks detached tasks so shutdown can drain them.
type Group struct {
	logger    *slog.Logger
	onFailure FailureFunc

	wg       sync.WaitGroup
	running  atomic.Int64
	failures atomic.Int64
}

// Option customises a Group.
type Option func(*Group)

// WithFailureHook registers fn to observe task failures.
func WithFailureHook(fn FailureFunc) Option {
	return func(g *Group) { g.onFailure = fn }
}

// New creates a Group that logs through logger.
func New(logger *slog.Logger, opts ...Option) *Group {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Group{logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Go runs fn on its own goroutine with a context detached from ctx's
// cancellation. Errors are logged and counted, never returned.
func (g *Group) Go(ctx context.Context, task string, fn func(context.Context) error) {
	detached := context.WithoutCancel(ctx)

	g.wg.Add(1)
	g.running.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.running.Add(-1)
		defer func() {
			if r := recover(); r != nil {
				g.fail(task, fmt.Errorf("panic: %v", r))
			}
		}()

		if err := fn(detached); err != nil {
			g.fail(task, err)
		}
	}()
}

func (g *Group) fail(task string, err error) {
	g.failures.Add(1)
	g.logger.Warn("background task failed", "task", task, "error", err)
	if g.onFailure != nil {
		g.onFailure(task, err)
	}
}

// Wait blocks until every scheduled task finished or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d background tasks: %w", g.running.Load(), ctx.Err())
	}
}

// Running reports how many tasks are in flight.
func (g *Group) Running() int64 {
	return g.running.Load()
}

// Failures reports how many tasks failed since the group was created.
func (g *Group) Failures() int64 {
	return g.failures.Load()
}
