package actors

import (
	"context"
	"fmt"

	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
)

// Context is what a worker (or the holder of a detached mailbox) uses to talk to the rest of the node.
type Context struct {
	node *Node
	cell *cell
}

// Address is the primary address of this context's mailboxes.
func (c *Context) Address() routing.Address {
	return c.cell.mailboxes.Primary.Address
}

func (c *Context) Mailboxes() Mailboxes {
	return c.cell.mailboxes
}

func (c *Context) Node() *Node {
	return c.node
}

func (c *Context) FlowControls() *flowcontrol.FlowControls {
	return c.node.flow
}

// Ctx is done once this context's worker is stopped.
func (c *Context) Ctx() context.Context {
	return c.cell.ctx
}

// Done is closed once the worker has fully shut down.
func (c *Context) Done() <-chan struct{} {
	return c.cell.done
}

// Send sends payload along route, with the primary address as return route.
func (c *Context) Send(route routing.Route, payload []byte) error {
	return c.SendFrom(c.Address(), route, payload)
}

// SendFrom sends payload along route, from one of this context's own addresses.
func (c *Context) SendFrom(from routing.Address, route routing.Route, payload []byte) error {
	return c.ForwardFrom(from, routing.NewLocalMessage(route, routing.NewRoute(from), payload))
}

// Forward passes on an already built message, from the primary address.
func (c *Context) Forward(lm routing.LocalMessage) error {
	return c.ForwardFrom(c.Address(), lm)
}

func (c *Context) ForwardFrom(from routing.Address, lm routing.LocalMessage) error {
	mb, ok := c.cell.mailboxes.Find(from)
	if !ok {
		return fmt.Errorf("cannot send from %s, not one of this worker's addresses", from)
	}

	return c.node.deliver(mb, lm)
}

func (c *Context) StartWorker(mbs Mailboxes, w Worker) error {
	return c.node.StartWorker(mbs, w)
}

func (c *Context) StopAddress(addr routing.Address) error {
	return c.node.StopAddress(addr)
}

// Stop stops this context's own worker or detached mailbox.
func (c *Context) Stop() {
	c.cell.stop()
}

// Receive waits for the next message in a detached mailbox.
func (c *Context) Receive(ctx context.Context) (*routing.RelayMessage, error) {
	if c.cell.worker != nil {
		return nil, ErrNotDetached
	}

	select {
	case msg := <-c.cell.inbox:
		return msg, nil
	case <-c.cell.ctx.Done():
		return nil, ErrUnknownAddress
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Request sends payload along route from a fresh temporary address, and waits for the first reply to it.
func (c *Context) Request(ctx context.Context, route routing.Route, payload []byte) (*routing.RelayMessage, error) {
	return Request(ctx, c.node, route, payload)
}

// Request does a single request-reply round trip on n, see Context.Request.
func Request(ctx context.Context, n *Node, route routing.Route, payload []byte) (*routing.RelayMessage, error) {
	d, err := n.NewDetachedAllowAll("request")
	if err != nil {
		return nil, err
	}
	defer d.Stop()

	if err := d.Send(route, payload); err != nil {
		return nil, err
	}

	return d.Receive(ctx)
}

// Drain takes every message still waiting in this context's inbox, without blocking.
//
// Used by a worker that hands its addresses to a successor, together with Node.Redeliver.
func (c *Context) Drain() []*routing.RelayMessage {
	var ret []*routing.RelayMessage

	for {
		select {
		case msg := <-c.cell.inbox:
			ret = append(ret, msg)
		default:
			return ret
		}
	}
}
