package securechannel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
	"golang.org/x/exp/maps"
)

// DefaultHandshakeTimeout bounds a responder's handshake when its listener has no timeout set.
const DefaultHandshakeTimeout = 30 * time.Second

// SecureChannel is an established channel, as seen from one side.
type SecureChannel struct {
	addresses   Addresses
	role        Role
	peer        key.Identifier
	credential  []byte
	flowID      flowcontrol.ID
	remoteRoute routing.Route
	createdAt   time.Time

	registry *SecureChannels
}

func (sc *SecureChannel) Addresses() Addresses { return sc.addresses }
func (sc *SecureChannel) Role() Role { return sc.role }
func (sc *SecureChannel) Peer() key.Identifier { return sc.peer }
func (sc *SecureChannel) PeerCredential() []byte { return sc.credential }
func (sc *SecureChannel) FlowControlID() flowcontrol.ID { return sc.flowID }
func (sc *SecureChannel) RemoteRoute() routing.Route { return sc.remoteRoute }
func (sc *SecureChannel) CreatedAt() time.Time { return sc.createdAt }

// Route is the route to send messages through this channel; append the route on the far side to it.
func (sc *SecureChannel) Route() routing.Route {
	return routing.NewRoute(sc.addresses.Encryptor)
}

// TransportRoute is the route the channel's ciphertext travels along, ending at the remote listener.
func (sc *SecureChannel) TransportRoute() routing.Route {
	return sc.remoteRoute
}

// AddConsumer allows addr to receive messages decrypted by this channel.
func (sc *SecureChannel) AddConsumer(addr routing.Address) {
	sc.registry.node.FlowControls().AddConsumer(addr, sc.flowID)
}

// Close tears down both halves of the channel.
func (sc *SecureChannel) Close(context.Context) error {
	return sc.registry.Delete(sc.addresses.Encryptor)
}

// Options configure an initiated secure channel.
type Options struct {
	TrustPolicy TrustPolicy

	// Timeout bounds the whole handshake, zero waits as long as the context allows.
	Timeout time.Duration

	// Consumers may receive messages decrypted by this channel. When empty, decrypted messages may go to
	// any local address.
	Consumers []routing.Address
}

// ListenerOptions configure a secure channel listener, and every channel it accepts.
type ListenerOptions struct {
	TrustPolicy TrustPolicy

	// HandshakeTimeout bounds each accepted handshake, DefaultHandshakeTimeout if zero.
	HandshakeTimeout time.Duration
}

// SecureChannels creates and keeps track of the secure channels and listeners of one node.
type SecureChannels struct {
	node     *actors.Node
	identity IdentityProvider

	mu        sync.Mutex
	channels  map[routing.Address]*SecureChannel
	listeners map[routing.Address]*Listener
}

func New(node *actors.Node, identity IdentityProvider) *SecureChannels {
	return &SecureChannels{
		node:      node,
		identity:  identity,
		channels:  make(map[routing.Address]*SecureChannel),
		listeners: make(map[routing.Address]*Listener),
	}
}

func (s *SecureChannels) Identity() IdentityProvider {
	return s.identity
}

// consumeTransport lets addr receive from the flow produced by the first hop of route, if it has one.
func (s *SecureChannels) consumeTransport(addr routing.Address, hop routing.Address) {
	fc := s.node.FlowControls()

	if id, ok := fc.FindFlowControlID(hop); ok {
		fc.AddConsumer(addr, id)
	}
}

// CreateSecureChannel runs a handshake as initiator to the listener at the end of route, and returns the
// established channel.
func (s *SecureChannels) CreateSecureChannel(ctx context.Context, route routing.Route, opts Options) (*SecureChannel, error) {
	next, err := route.Next()
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	fc := s.node.FlowControls()
	addrs := newAddresses()
	flowID := flowcontrol.NewID()

	var decryptedOut access.Control = access.AllowAll
	if len(opts.Consumers) > 0 {
		decryptedOut = access.NewFlowControlOutgoing(fc, flowID, nil)
		for _, c := range opts.Consumers {
			fc.AddConsumer(c, flowID)
		}
	}

	fc.AddProducer(addrs.DecryptorInternal, flowID, nil, []routing.Address{addrs.Encryptor})
	if hop, err := s.node.Resolve(ctx, next); err == nil {
		s.consumeTransport(addrs.DecryptorRemote, hop)
	}

	w := newHandshakeWorker(handshakeParams{
		role:         Initiator,
		addrs:        addrs,
		flowID:       flowID,
		decryptedOut: decryptedOut,
		identity:     s.identity,
		trust:        opts.TrustPolicy,
		registry:     s,
		timeout:      opts.Timeout,
		initialRoute: route,
	})

	if err := s.node.StartWorker(w.mailboxes(), w); err != nil {
		fc.Cleanup(addrs.DecryptorInternal)
		fc.Cleanup(addrs.DecryptorRemote)
		return nil, err
	}

	select {
	case err := <-w.result:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		// might have raced with success
		if err := s.Delete(addrs.Encryptor); errors.Is(err, ErrNotFound) {
			_ = s.node.StopAddress(addrs.DecryptorRemote)
		}
		return nil, fmt.Errorf("%w: %w", ErrHandshakeCrypto, ctx.Err())
	}

	sc, ok := s.Get(addrs.Encryptor)
	if !ok {
		return nil, fmt.Errorf("%w: channel closed right after being established", ErrHandshakeCrypto)
	}

	return sc, nil
}

// CreateListener starts a listener at addr, accepting handshakes from any peer its trust policy allows.
func (s *SecureChannels) CreateListener(addr routing.Address, opts ListenerOptions) (*Listener, error) {
	if opts.HandshakeTimeout == 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}

	l := &Listener{
		address:  addr,
		flowID:   flowcontrol.NewID(),
		opts:     opts,
		registry: s,
	}

	fc := s.node.FlowControls()
	fc.AddProducer(addr, l.flowID, nil, nil)

	if err := s.node.StartWorker(actors.Single(actors.AllowAllMailbox(addr)), l); err != nil {
		fc.Cleanup(addr)
		return nil, err
	}

	s.mu.Lock()
	s.listeners[addr] = l
	s.mu.Unlock()

	slog.Info("secure channel listener started", "address", addr, "identifier", s.identity.Identifier())

	return l, nil
}

func (s *SecureChannels) Listener(addr routing.Address) (*Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listeners[addr]
	return l, ok
}

func (s *SecureChannels) Listeners() []*Listener {
	s.mu.Lock()
	ls := maps.Values(s.listeners)
	s.mu.Unlock()

	slices.SortFunc(ls, func(a, b *Listener) int {
		return a.address.Compare(b.address)
	})

	return ls
}

// StopListener stops accepting handshakes at addr; established channels are unaffected.
func (s *SecureChannels) StopListener(addr routing.Address) error {
	s.mu.Lock()
	_, ok := s.listeners[addr]
	delete(s.listeners, addr)
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no listener at %s", ErrNotFound, addr)
	}

	return s.node.StopAddress(addr)
}

func (s *SecureChannels) add(sc *SecureChannel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.channels[sc.addresses.Encryptor] = sc
}

// Get returns the channel whose encryptor is at addr.
func (s *SecureChannels) Get(encryptor routing.Address) (*SecureChannel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc, ok := s.channels[encryptor]
	return sc, ok
}

// List returns all established channels, ordered by encryptor address.
func (s *SecureChannels) List() []*SecureChannel {
	s.mu.Lock()
	scs := maps.Values(s.channels)
	s.mu.Unlock()

	slices.SortFunc(scs, func(a, b *SecureChannel) int {
		return a.addresses.Encryptor.Compare(b.addresses.Encryptor)
	})

	return scs
}

// Delete stops the channel whose encryptor is at addr, both its halves.
func (s *SecureChannels) Delete(encryptor routing.Address) error {
	s.mu.Lock()
	sc, ok := s.channels[encryptor]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, encryptor)
	}

	s.closed(sc)

	return nil
}

// closed removes sc, and makes sure both of its workers stop.
func (s *SecureChannels) closed(sc *SecureChannel) {
	s.mu.Lock()
	_, ok := s.channels[sc.addresses.Encryptor]
	delete(s.channels, sc.addresses.Encryptor)
	s.mu.Unlock()

	if !ok {
		return
	}

	for _, a := range []routing.Address{sc.addresses.Encryptor, sc.addresses.DecryptorRemote} {
		if err := s.node.StopAddress(a); err != nil && !errors.Is(err, actors.ErrUnknownAddress) {
			slog.Warn("could not stop secure channel worker", "address", a, "err", err)
		}
	}

	slog.Info("secure channel closed", "encryptor", sc.addresses.Encryptor, "peer", sc.peer)
}
