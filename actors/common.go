package actors

import (
	"context"
	"log/slog"
	"sync"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/routing"
)

// ActorCommon is the state every mailbox owner carries; its inbox, its lifetime, and whether it runs.
type ActorCommon struct {
	inbox   chan *routing.RelayMessage
	ctx     context.Context
	ctxCan  context.CancelFunc
	running RunCheck
}

func MakeCommon(pCtx context.Context, chLen int) *ActorCommon {
	ctx, ctxCan := context.WithCancel(pCtx)

	var inbox chan *routing.RelayMessage = nil

	if chLen >= 0 {
		inbox = make(chan *routing.RelayMessage, chLen)
	}

	return &ActorCommon{
		inbox:   inbox,
		ctx:     ctx,
		ctxCan:  ctxCan,
		running: MakeRunCheck(),
	}
}

func (ac *ActorCommon) Ctx() context.Context {
	return ac.ctx
}

func (ac *ActorCommon) Cancel() {
	ac.ctxCan()
}

// cell is a registered worker, or a detached mailbox when worker is nil.
type cell struct {
	*ActorCommon

	node      *Node
	mailboxes Mailboxes
	worker    Worker

	wctx *Context

	// held for reading by every enqueue; once sealed, nothing enters the inbox anymore
	sealMu sync.RWMutex
	sealed bool

	closeOnce sync.Once
	done      chan struct{}
}

func (c *cell) logger() *slog.Logger {
	if c.worker == nil {
		return slog.With("actor", "detached", "address", c.mailboxes.Primary.Address)
	}
	return L(c.worker).With("address", c.mailboxes.Primary.Address)
}

func (c *cell) Run() {
	defer func() {
		if v := recover(); v != nil {
			c.logger().Error("panicked", "panic", v)
			c.Cancel()
			c.Close()
		}
	}()

	if !c.running.CheckOrMark() {
		c.logger().Warn("tried to run worker, while already running")
		return
	}

	if i, ok := c.worker.(Initializer); ok {
		if err := i.Initialize(c.wctx); err != nil {
			c.logger().Warn("worker failed to initialize", "err", err)
			c.Cancel()
			c.Close()
			return
		}
	}

	for {
		select {
		case <-c.ctx.Done():
			c.Close()
			return
		case msg := <-c.inbox:
			if err := c.worker.HandleMessage(c.wctx, msg); err != nil {
				c.logger().Warn("error handling message", "err", err, "from", msg.Source)
			}
		}
	}
}

// Close unregisters the cell, gives the worker a chance to clean up, and drops all flow control state of
// its addresses. Runs once.
func (c *cell) Close() {
	c.closeOnce.Do(func() {
		c.node.unregister(c)

		if s, ok := c.worker.(Shutdowner); ok {
			if err := s.Shutdown(c.wctx); err != nil {
				c.logger().Warn("error during worker shutdown", "err", err)
			}
		}

		for _, a := range c.mailboxes.Addresses() {
			// an address handed over to a successor keeps its flow state
			if !c.node.IsRegistered(a) {
				c.node.flow.Cleanup(a)
			}
		}

		c.logger().Log(context.Background(), types.LevelTrace, "worker stopped")

		close(c.done)
	})
}

func (c *cell) enqueue(ctx context.Context, msg *routing.RelayMessage) error {
	c.sealMu.RLock()
	defer c.sealMu.RUnlock()

	if c.sealed {
		return ErrUnknownAddress
	}

	select {
	case c.inbox <- msg:
		return nil
	case <-c.ctx.Done():
		return ErrUnknownAddress
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// stop unregisters the cell right away, and lets it shut down.
//
// Once stop returns no message enters the inbox anymore, so a Drain after it sees everything that was
// accepted.
func (c *cell) stop() {
	c.node.unregister(c)
	c.Cancel()

	// enqueues blocked on a full inbox give up on the cancelled context first
	c.sealMu.Lock()
	c.sealed = true
	c.sealMu.Unlock()

	if c.worker == nil {
		c.Close()
	}
}
