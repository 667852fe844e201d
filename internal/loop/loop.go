// Package loop is the single-threaded event loop that owns all mutable
// wallpaper state, plus the bounded worker pool that keeps decode and
// scale work off it.
//
// # Core discipline
//
// Every state mutation runs on the loop goroutine. Workers never touch
// state; they compute and post a closure back. Two inbound lanes exist:
// a control lane for configuration and compositor events, and a task
// lane for timer ticks and worker completions. The control lane always
// drains first, so a configuration change arriving in the same
// iteration as a slideshow tick wins and the tick acts on the new
// entry or is discarded by its generation check.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned when posting to a loop whose context ended.
var ErrClosed = errors.New("loop: closed")

// Loop runs posted closures serially and schedules background jobs on a
// bounded pool.
type Loop struct {
	control chan func()
	tasks   chan func()
	group   *errgroup.Group
	gctx    context.Context
	done    chan struct{}
}

// New builds a loop. workers bounds the pool; zero means NumCPU.
func New(ctx context.Context, workers int) *Loop {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	return &Loop{
		control: make(chan func(), 64),
		tasks:   make(chan func(), 256),
		group:   g,
		gctx:    gctx,
		done:    make(chan struct{}),
	}
}

// Run executes posted closures until the context ends. It must be
// called exactly once, from the goroutine that owns all state.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		// Drain the control lane before considering tasks.
		select {
		case fn := <-l.control:
			fn()
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.control:
			fn()
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Done is closed once Run has returned and no further closure can
// execute. Shutdown paths use it to know when loop-confined state is
// safe to touch from another goroutine.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues a closure on the task lane. Safe from any goroutine.
func (l *Loop) Post(fn func()) error {
	select {
	case l.tasks <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// PostControl queues a closure on the priority lane: configuration
// changes and compositor events.
func (l *Loop) PostControl(fn func()) error {
	select {
	case l.control <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Go schedules a job on the bounded worker pool. Blocks when the pool
// is saturated, providing natural backpressure on render submission.
// Job errors are logged, not fatal: per-output isolation means one bad
// render never stops the daemon.
func (l *Loop) Go(name string, job func(ctx context.Context) error) {
	l.group.Go(func() error {
		if err := job(l.gctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("loop: worker job failed", "job", name, "error", err)
		}
		return nil
	})
}

// Wait blocks until every worker finished. Called during shutdown.
func (l *Loop) Wait() error {
	if err := l.group.Wait(); err != nil {
		return fmt.Errorf("loop: worker pool: %w", err)
	}
	return nil
}
