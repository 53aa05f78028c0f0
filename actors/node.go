package actors

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
	"golang.org/x/exp/maps"
)

// TransportRouter resolves an address of its transport type to the local address of the worker that
// delivers to it, setting up a connection if needed.
type TransportRouter interface {
	Resolve(ctx context.Context, addr routing.Address) (routing.Address, error)
}

// Node hosts workers, and routes messages between them.
type Node struct {
	ctx    context.Context
	ctxCan context.CancelCauseFunc

	flow *flowcontrol.FlowControls

	mu         sync.RWMutex
	cells      map[routing.Address]*cell
	transports map[routing.TransportType]TransportRouter

	wg sync.WaitGroup
}

// NewNode creates a node living as long as ctx. fc is the node's flow control registry, a fresh one is made if
// nil.
func NewNode(ctx context.Context, fc *flowcontrol.FlowControls) *Node {
	if fc == nil {
		fc = flowcontrol.New()
	}

	nCtx, nCan := context.WithCancelCause(ctx)

	return &Node{
		ctx:        nCtx,
		ctxCan:     nCan,
		flow:       fc,
		cells:      make(map[routing.Address]*cell),
		transports: make(map[routing.TransportType]TransportRouter),
	}
}

func (n *Node) Ctx() context.Context {
	return n.ctx
}

func (n *Node) FlowControls() *flowcontrol.FlowControls {
	return n.flow
}

// RegisterTransport makes addresses of type t deliverable through r.
func (n *Node) RegisterTransport(t routing.TransportType, r TransportRouter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.transports[t] = r
}

// StartWorker registers w under all of mbs, and starts its goroutine.
func (n *Node) StartWorker(mbs Mailboxes, w Worker) error {
	c, err := n.register(mbs, w)
	if err != nil {
		return err
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		c.Run()
	}()

	slog.Debug("started worker", "worker", fmt.Sprintf("%T", w), "addresses", mbs.Addresses())

	return nil
}

// NewDetached registers a mailbox that is read by hand, through Context.Receive.
func (n *Node) NewDetached(mbs Mailboxes) (*Context, error) {
	c, err := n.register(mbs, nil)
	if err != nil {
		return nil, err
	}

	return c.wctx, nil
}

// NewDetachedAllowAll is NewDetached with a single unrestricted random address.
func (n *Node) NewDetachedAllowAll(tag string) (*Context, error) {
	return n.NewDetached(Single(AllowAllMailbox(routing.RandomLocal(tag))))
}

func (n *Node) register(mbs Mailboxes, w Worker) (*cell, error) {
	if types.IsContextDone(n.ctx) {
		return nil, ErrNodeStopped
	}

	c := &cell{
		ActorCommon: MakeCommon(n.ctx, WorkerInboxChLen),
		node:        n,
		mailboxes:   mbs,
		worker:      w,
		done:        make(chan struct{}),
	}
	c.wctx = &Context{node: n, cell: c}

	n.mu.Lock()
	defer n.mu.Unlock()

	addrs := mbs.Addresses()

	for _, a := range addrs {
		if _, ok := n.cells[a]; ok {
			c.Cancel()
			return nil, fmt.Errorf("%w: %s", ErrAddressInUse, a)
		}
	}

	for _, a := range addrs {
		n.cells[a] = c
	}

	return c, nil
}

func (n *Node) unregister(c *cell) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, a := range c.mailboxes.Addresses() {
		if n.cells[a] == c {
			delete(n.cells, a)
		}
	}
}

// StopAddress stops the worker registered at addr, and all its other addresses with it.
//
// The addresses are unregistered before this returns; the worker finishes its current message and shuts
// down in the background.
func (n *Node) StopAddress(addr routing.Address) error {
	n.mu.RLock()
	c, ok := n.cells[addr]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, addr)
	}

	c.stop()

	return nil
}

// IsRegistered reports whether something listens at addr.
func (n *Node) IsRegistered(addr routing.Address) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	_, ok := n.cells[addr]
	return ok
}

// Addresses lists all registered addresses, sorted.
func (n *Node) Addresses() []routing.Address {
	n.mu.RLock()
	addrs := maps.Keys(n.cells)
	n.mu.RUnlock()

	slices.SortFunc(addrs, routing.Address.Compare)

	return addrs
}

// Send delivers payload along route, from a throwaway detached address.
func (n *Node) Send(route routing.Route, payload []byte) error {
	c, err := n.NewDetachedAllowAll("send")
	if err != nil {
		return err
	}
	defer c.Stop()

	return c.Send(route, payload)
}

// Shutdown stops all workers, and waits for them to exit or ctx to expire.
func (n *Node) Shutdown(ctx context.Context) error {
	n.ctxCan(ErrNodeStopped)

	n.mu.RLock()
	cells := maps.Values(n.cells)
	n.mu.RUnlock()

	for _, c := range cells {
		c.stop()
	}

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resolve turns a transport address into the local address of the worker that sends to it.
// Local addresses are returned as they are.
func (n *Node) Resolve(ctx context.Context, addr routing.Address) (routing.Address, error) {
	if addr.IsLocal() {
		return addr, nil
	}

	n.mu.RLock()
	r, ok := n.transports[addr.Transport]
	n.mu.RUnlock()

	if !ok {
		return routing.Address{}, fmt.Errorf("%w: %s", ErrNoTransport, addr)
	}

	resolved, err := r.Resolve(ctx, addr)
	if err != nil {
		return routing.Address{}, fmt.Errorf("could not resolve %s: %w", addr, err)
	}

	return resolved, nil
}

// deliver routes lm from the mailbox from, checking the outgoing control of from and the incoming control of
// the destination. A message denied by either is dropped and logged, and is not an error.
func (n *Node) deliver(from Mailbox, lm routing.LocalMessage) error {
	next, err := lm.Onward.Next()
	if err != nil {
		return err
	}

	if !next.IsLocal() {
		resolved, err := n.Resolve(n.ctx, next)
		if err != nil {
			return err
		}

		if lm, err = lm.ReplaceFrontOnward(resolved); err != nil {
			return err
		}
		next = resolved
	}

	n.mu.RLock()
	c, ok := n.cells[next]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, next)
	}

	mb, _ := c.mailboxes.Find(next)

	msg := &routing.RelayMessage{
		Source:      from.Address,
		Destination: next,
		Local:       lm,
	}

	if !from.outgoing().IsAuthorized(msg) {
		slog.Warn("outgoing access denied, dropping message", "from", from.Address, "to", next)
		return nil
	}

	if !mb.incoming().IsAuthorized(msg) {
		slog.Warn("incoming access denied, dropping message", "from", from.Address, "to", next)
		return nil
	}

	if err := c.enqueue(n.ctx, msg); err != nil {
		return fmt.Errorf("could not deliver to %s: %w", next, err)
	}

	slog.Log(n.ctx, types.LevelTrace, "delivered", "from", from.Address, "to", next)

	return nil
}

// Redeliver puts an already routed message into whatever mailbox is now registered at its destination.
// Only the incoming control is checked again, the message already left its sender.
func (n *Node) Redeliver(msg *routing.RelayMessage) error {
	n.mu.RLock()
	c, ok := n.cells[msg.Destination]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAddress, msg.Destination)
	}

	mb, _ := c.mailboxes.Find(msg.Destination)

	if !mb.incoming().IsAuthorized(msg) {
		slog.Warn("incoming access denied, dropping redelivered message", "from", msg.Source, "to", msg.Destination)
		return nil
	}

	return c.enqueue(n.ctx, msg)
}
