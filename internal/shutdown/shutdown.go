// Package shutdown turns repeated interrupt requests into escalating stop
// levels: the first asks running work to drain, the second cancels it.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
)

// Level is how hard a shutdown has been requested.
type Level int32

const (
	None Level = iota
	Graceful
	Forced
)

func (l Level) String() string {
	switch l {
	case None:
		return "none"
	case Graceful:
		return "graceful"
	case Forced:
		return "forced"
	}
	return "unknown"
}

// Controller tracks the shutdown level of a process. The zero value is not
// usable; call New.
type Controller struct {
	level    atomic.Int32
	draining chan struct{}
	drainOne sync.Once

	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a controller whose forced context derives from parent.
func New(parent context.Context) *Controller {
	ctx, cancel := context.WithCancel(parent)
	return &Controller{
		draining: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Signal escalates the shutdown by one level and returns the new level.
// Signals past Forced are ignored.
func (c *Controller) Signal() Level {
	for {
		cur := Level(c.level.Load())
		if cur >= Forced {
			return Forced
		}
		next := cur + 1
		if c.level.CompareAndSwap(int32(cur), int32(next)) {
			c.apply(next)
			return next
		}
	}
}

// Drain requests a graceful stop. It has no effect once a stop is already
// underway.
func (c *Controller) Drain() {
	if c.level.CompareAndSwap(int32(None), int32(Graceful)) {
		c.apply(Graceful)
	}
}

// Force cancels all work immediately.
func (c *Controller) Force() {
	prev := Level(c.level.Swap(int32(Forced)))
	if prev < Forced {
		c.apply(Forced)
	}
}

func (c *Controller) apply(l Level) {
	c.drainOne.Do(func() { close(c.draining) })
	if l >= Forced {
		c.cancel()
	}
}

// Level reports the current shutdown level.
func (c *Controller) Level() Level {
	return Level(c.level.Load())
}

// Draining is closed once any stop has been requested. No new work should
// start after that.
func (c *Controller) Draining() <-chan struct{} {
	return c.draining
}

// Stopping reports whether any stop has been requested.
func (c *Controller) Stopping() bool {
	return c.Level() > None
}

// Context is cancelled on a forced stop, or when the parent ends. Blocking
// work should run under it.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Close releases the controller's context.
func (c *Controller) Close() {
	c.cancel()
}

// Notify escalates the controller on every delivery of sigs until ctx ends.
// onSignal, if not nil, is told the level reached by each signal.
func (c *Controller) Notify(ctx context.Context, onSignal func(Level), sigs ...os.Signal) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				l := c.Signal()
				if onSignal != nil {
					onSignal(l)
				}
			}
		}
	}()
}
