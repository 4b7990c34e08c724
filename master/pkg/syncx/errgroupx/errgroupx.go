// Package errgroupx runs a fixed set of long-lived components that stop together.
package errgroupx

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group wraps errgroup.Group so that its context never outlives the group and every member's
// error is tagged with the member's name.
type Group struct {
	inner  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// WithContext creates a Group as a child of ctx.
func WithContext(ctx context.Context) *Group {
	parent, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(parent)
	return &Group{inner: g, ctx: gctx, cancel: cancel}
}

// Go starts f as the member called name. A member returning a non-nil error, or panicking,
// cancels the group's context. A member returning context.Canceled after the group was canceled
// is not an error.
func (g *Group) Go(name string, f func(ctx context.Context) error) {
	g.inner.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%s panicked: %v\n%s", name, rec, debug.Stack())
			}
		}()
		err = f(g.ctx)
		if errors.Is(err, context.Canceled) && g.ctx.Err() != nil {
			return nil
		}
		return errors.Wrap(err, name)
	})
}

// Context returns the group-scoped context.
func (g *Group) Context() context.Context {
	return g.ctx
}

// Wait blocks until every member returns and reports the first error.
func (g *Group) Wait() error {
	defer g.cancel()
	return g.inner.Wait()
}

// Cancel the group without waiting for it.
func (g *Group) Cancel() {
	g.cancel()
}

// Close cancels the group and waits for it.
func (g *Group) Close() error {
	g.cancel()
	return g.Wait()
}
