// Package task runs the concurrent tasks of a process lifecycle as a Group,
// which is cancelled as a whole when any one task fails.
package task

import (
	"context"
	"os"
	"os/signal"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Group is a group of tasks which are executed concurrently, and which are
// collectively waited on until all complete. The first task to return a
// non-nil error cancels the Group Context. Tasks must monitor the Context
// and return upon its cancellation. Group itself is not thread-safe.
type Group struct {
	// ctx is cancelled by a task error, an explicit Cancel,
	// or cancellation of the parent Context.
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns a new, empty Group with the given parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group Context.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a function for execution with the Group.
// Queue panics if called after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// QueueSignalCancel queues a task which cancels the Group upon the first of
// |sigs|. The task returns without error when the Group is otherwise cancelled.
func (g *Group) QueueSignalCancel(sigs ...os.Signal) {
	var sigCh = make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	g.Queue("watch signals", func() error {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			log.WithField("signal", sig).Info("caught signal")
			g.Cancel()
		case <-g.ctx.Done():
		}
		return nil
	})
}

// GoRun all queued functions. GoRun panics if called more than once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.desc) })
	}
}

// Wait for started functions, returning only after all complete. The first
// non-nil error is returned. Wait panics if GoRun hasn't been called.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	defer g.cancelFn()
	return g.eg.Wait()
}
