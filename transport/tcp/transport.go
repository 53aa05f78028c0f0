// Package tcp carries routed messages between nodes over TCP connections.
//
// Every connection gets a sender worker, which writes messages addressed through it as frames, and a
// receiver that delivers incoming frames into the node with the sender prepended to their return route.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/routing"
	"golang.org/x/exp/maps"
)

var ErrNotConnected = errors.New("no such tcp connection")

type ConnectOptions struct {
	// RestrictToConsumers only lets messages received on this connection through to consumers of its flow.
	// Unrestricted, any local address can be reached from the other side.
	RestrictToConsumers bool

	// Timeout for dialing, DefaultConnectTimeout if zero.
	Timeout time.Duration
}

// Transport makes, accepts, and keeps track of the TCP connections of a node.
type Transport struct {
	node *actors.Node
	opts ConnectOptions

	mu        sync.Mutex
	conns     map[*Connection]struct{}
	listeners map[string]*Listener
	// outgoing connections being made while resolving, by peer
	dialing map[string]*pendingDial
}

type pendingDial struct {
	done chan struct{}
	c    *Connection
	err  error
}

// New creates a transport for node, and registers it as the router for TCP addresses.
//
// Connections it makes on its own while resolving addresses use opts.
func New(node *actors.Node, opts ConnectOptions) *Transport {
	t := &Transport{
		node:      node,
		opts:      opts,
		conns:     make(map[*Connection]struct{}),
		listeners: make(map[string]*Listener),
		dialing:   make(map[string]*pendingDial),
	}

	node.RegisterTransport(routing.TCPTransport, t)

	return t
}

// Address returns the TCP route address of peer ("host:port").
func Address(peer string) routing.Address {
	return routing.NewAddress(routing.TCPTransport, peer)
}

// Resolve returns the sender of an outgoing connection to addr, connecting if there is none yet.
//
// Concurrent resolves of the same peer share a single dial.
func (t *Transport) Resolve(ctx context.Context, addr routing.Address) (routing.Address, error) {
	if addr.Transport != routing.TCPTransport {
		return routing.Address{}, fmt.Errorf("not a tcp address: %s", addr)
	}

	peer := addr.Identifier

	t.mu.Lock()
	if c, ok := t.findLocked(peer); ok {
		t.mu.Unlock()
		return c.Sender(), nil
	}

	if p, ok := t.dialing[peer]; ok {
		t.mu.Unlock()

		select {
		case <-p.done:
		case <-ctx.Done():
			return routing.Address{}, ctx.Err()
		}

		if p.err != nil {
			return routing.Address{}, p.err
		}
		return p.c.Sender(), nil
	}

	p := &pendingDial{done: make(chan struct{})}
	t.dialing[peer] = p
	t.mu.Unlock()

	p.c, p.err = t.Connect(ctx, peer, t.opts)

	t.mu.Lock()
	delete(t.dialing, peer)
	t.mu.Unlock()
	close(p.done)

	if p.err != nil {
		return routing.Address{}, p.err
	}

	return p.c.Sender(), nil
}

func (t *Transport) findLocked(peer string) (*Connection, bool) {
	for c := range t.conns {
		if !c.inbound && c.peer == peer {
			return c, true
		}
	}

	return nil, false
}

// Connect dials peer ("host:port"), and starts a connection to it.
func (t *Transport) Connect(ctx context.Context, peer string, opts ConnectOptions) (*Connection, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	conn, err := dial(ctx, peer, timeout)
	if err != nil {
		return nil, err
	}

	c, err := t.establish(conn, connectionParams{
		peer:       peer,
		restricted: opts.RestrictToConsumers,
	})
	if err != nil {
		if cErr := conn.Close(); cErr != nil {
			slog.Debug("error closing tcp connection", "peer", peer, "err", cErr)
		}
		return nil, fmt.Errorf("could not establish connection to %s: %w", peer, err)
	}

	t.addConnection(c)

	slog.Info("tcp connection established", "peer", peer, "sender", c.Sender())

	return c, nil
}

func (t *Transport) addConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if types.IsContextDone(c.ctx) {
		// closed before it was ever listed
		return
	}

	t.conns[c] = struct{}{}
}

func (t *Transport) removeConnection(c *Connection) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, c)
}

// Connections lists all open connections, ordered by peer.
func (t *Transport) Connections() []*Connection {
	t.mu.Lock()
	conns := maps.Keys(t.conns)
	t.mu.Unlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		return strings.Compare(a.peer, b.peer)
	})

	return conns
}

// Disconnect closes the connection with the given sender address.
func (t *Transport) Disconnect(sender routing.Address) error {
	for _, c := range t.Connections() {
		if c.Sender() == sender {
			c.Close()
			return nil
		}
	}

	return fmt.Errorf("%w: %s", ErrNotConnected, sender)
}

// Shutdown stops all listeners and closes all connections.
func (t *Transport) Shutdown() {
	t.mu.Lock()
	listeners := maps.Values(t.listeners)
	t.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}

	for _, c := range t.Connections() {
		c.Close()
	}
}
