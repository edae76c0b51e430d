// Package tasks runs detached background work with its own error boundary.
//
// A task's error or panic is logged and swallowed: nothing a task does can
// fail the code that spawned it or take the process down.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Go once Shutdown has started.
var ErrClosed = errors.New("task group closed")

// Group owns every detached task of the process.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	eg     errgroup.Group
}

// New returns a group whose tasks run under a context derived from parent.
// The context is cancelled by Shutdown.
func New(parent context.Context, logger *zap.Logger) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, logger: logger.Named("tasks")}
}

// Context is the context detached tasks run under.
func (g *Group) Context() context.Context { return g.ctx }

// Go starts fn in the background. name identifies the task in logs.
func (g *Group) Go(name string, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return fmt.Errorf("start %s: %w", name, ErrClosed)
	}
	g.eg.Go(func() error {
		g.run(name, fn)
		return nil
	})
	return nil
}

func (g *Group) run(name string, fn func(ctx context.Context) error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("task panicked",
				zap.String("task", name),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()

	if err := fn(g.ctx); err != nil {
		g.logger.Warn("task failed",
			zap.String("task", name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return
	}
	g.logger.Debug("task finished", zap.String("task", name), zap.Duration("elapsed", time.Since(start)))
}

// Shutdown refuses new tasks, cancels the running ones and waits for them
// until ctx is done.
func (g *Group) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()

	done := make(chan struct{})
	go func() {
		_ = g.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}
