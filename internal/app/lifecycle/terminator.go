// Package lifecycle coordinates process shutdown when a component decides the
// relay can no longer make safe progress.
package lifecycle

import (
	"context"
	"sync"

	"github.com/ahrav/binlog-relay/pkg/common/logger"
)

// Terminator cancels a root context with the first error it is given. Later
// calls are logged and otherwise ignored.
type Terminator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *logger.Logger

	once  sync.Once
	mu    sync.Mutex
	cause error
}

// NewTerminator derives a cancellable context from parent. Every component
// that should stop on termination must run under Context().
func NewTerminator(parent context.Context, logger *logger.Logger) *Terminator {
	ctx, cancel := context.WithCancelCause(parent)
	return &Terminator{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "terminator"),
	}
}

// Context returns the context cancelled on termination.
func (t *Terminator) Context() context.Context { return t.ctx }

// Done is closed once Terminate has been called or the parent is cancelled.
func (t *Terminator) Done() <-chan struct{} { return t.ctx.Done() }

// Terminate records err as the termination cause and cancels the context.
// It never blocks and is safe to call from any goroutine.
func (t *Terminator) Terminate(err error) {
	fired := false
	t.once.Do(func() {
		fired = true
		t.mu.Lock()
		t.cause = err
		t.mu.Unlock()
		t.cancel(err)
	})

	if fired {
		t.logger.Error(context.Background(), "Terminating relay", "error", err)
		return
	}
	t.logger.Warn(context.Background(), "Ignoring termination request, already terminating", "error", err)
}

// Cause returns the error passed to the first Terminate call, or nil.
func (t *Terminator) Cause() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cause
}

// Stop releases the context without recording a cause.
func (t *Terminator) Stop() { t.cancel(context.Canceled) }
