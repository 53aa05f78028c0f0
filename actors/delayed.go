package actors

import (
	"sync"
	"time"

	"github.com/edup2p/meshwire/types/routing"
)

// DelayedEvent sends a fixed message after a delay, from the address of the context that created it.
//
// Scheduling again replaces a pending send. The owner must Cancel it from its own teardown path, a pending
// event otherwise still fires.
type DelayedEvent struct {
	ctx     *Context
	route   routing.Route
	payload []byte

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

func NewDelayedEvent(ctx *Context, route routing.Route, payload []byte) *DelayedEvent {
	return &DelayedEvent{ctx: ctx, route: route, payload: payload}
}

// Schedule (re)arms the event to fire after d.
func (de *DelayedEvent) Schedule(d time.Duration) {
	de.mu.Lock()
	defer de.mu.Unlock()

	de.stopLocked()

	gen := de.gen
	de.timer = time.AfterFunc(d, func() {
		de.fire(gen)
	})
}

// Cancel aborts a pending send, if there is one.
func (de *DelayedEvent) Cancel() {
	de.mu.Lock()
	defer de.mu.Unlock()

	de.stopLocked()
}

// IsScheduled reports whether a send is still pending.
func (de *DelayedEvent) IsScheduled() bool {
	de.mu.Lock()
	defer de.mu.Unlock()

	return de.timer != nil
}

func (de *DelayedEvent) stopLocked() {
	if de.timer != nil {
		de.timer.Stop()
		de.timer = nil
	}
	// invalidates any callback that already started before Stop
	de.gen++
}

func (de *DelayedEvent) fire(gen uint64) {
	de.mu.Lock()
	if gen != de.gen {
		de.mu.Unlock()
		return
	}
	de.timer = nil
	de.mu.Unlock()

	if err := de.ctx.Send(de.route, de.payload); err != nil {
		L(de).Warn("could not send delayed event", "err", err, "route", de.route)
	}
}
