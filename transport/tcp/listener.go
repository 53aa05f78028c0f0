package tcp

import (
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
	"go4.org/netipx"
	"golang.org/x/exp/maps"
)

type ListenOptions struct {
	// AllowedPeers restricts which remote IPs may connect, everyone if nil.
	AllowedPeers *netipx.IPSet
}

// Listener accepts connections from other nodes. Messages received on them only reach consumers of the
// listener's flow.
type Listener struct {
	transport *Transport
	ln        net.Listener
	opts      ListenOptions
	flow      flowcontrol.ID

	closeOnce sync.Once
}

// Listen starts accepting connections on bind ("host:port").
func (t *Transport) Listen(bind string, opts ListenOptions) (*Listener, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		transport: t,
		ln:        ln,
		opts:      opts,
		flow:      flowcontrol.NewID(),
	}

	t.mu.Lock()
	t.listeners[l.Addr()] = l
	t.mu.Unlock()

	go l.run()

	slog.Info("tcp listener started", "addr", l.Addr())

	return l, nil
}

// Listener returns the listener bound at addr.
func (t *Transport) Listener(addr string) (*Listener, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.listeners[addr]
	return l, ok
}

// Listeners lists all listeners, ordered by address.
func (t *Transport) Listeners() []*Listener {
	t.mu.Lock()
	ls := maps.Values(t.listeners)
	t.mu.Unlock()

	slices.SortFunc(ls, func(a, b *Listener) int {
		return strings.Compare(a.Addr(), b.Addr())
	})

	return ls
}

// Addr is the "host:port" the listener is bound to.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Address is the route address other nodes reach this listener at, when bound to a specific host.
func (l *Listener) Address() routing.Address {
	return Address(l.Addr())
}

func (l *Listener) FlowControlID() flowcontrol.ID {
	return l.flow
}

// AddConsumer lets addr receive messages arriving on any connection this listener accepts.
func (l *Listener) AddConsumer(addr routing.Address) {
	l.transport.node.FlowControls().AddConsumer(addr, l.flow)
}

func (l *Listener) Close() {
	l.closeOnce.Do(func() {
		if err := l.ln.Close(); err != nil {
			slog.Debug("error closing tcp listener", "addr", l.Addr(), "err", err)
		}

		l.transport.mu.Lock()
		delete(l.transport.listeners, l.Addr())
		l.transport.mu.Unlock()
	})
}

func (l *Listener) allowed(remote net.Addr) bool {
	if l.opts.AllowedPeers == nil {
		return true
	}

	ap, err := netip.ParseAddrPort(remote.String())
	if err != nil {
		return false
	}

	return l.opts.AllowedPeers.Contains(ap.Addr().Unmap())
}

func (l *Listener) run() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("tcp listener stopped accepting", "addr", l.Addr(), "err", err)
			}
			l.Close()
			return
		}

		if !l.allowed(conn.RemoteAddr()) {
			slog.Warn("rejected tcp connection from disallowed peer", "addr", l.Addr(), "peer", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		go l.accept(conn)
	}
}

func (l *Listener) accept(conn net.Conn) {
	peer := conn.RemoteAddr().String()

	c, err := l.transport.establish(conn, connectionParams{
		peer:       peer,
		inbound:    true,
		spawner:    &l.flow,
		restricted: true,
	})
	if err != nil {
		slog.Warn("could not establish accepted tcp connection", "peer", peer, "err", err)
		_ = conn.Close()
		return
	}

	l.transport.addConnection(c)

	slog.Info("tcp connection accepted", "addr", l.Addr(), "peer", peer, "sender", c.Sender())
}
