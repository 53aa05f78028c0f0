package nodes

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/securechannel"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/types/ifaces"
	"github.com/edup2p/meshwire/types/routing"
	"golang.org/x/exp/maps"
)

type ManagerOptions struct {
	// Factory opens the connections relays run over, a DefaultConnectionFactory if nil.
	Factory ConnectionFactory
	// Notifier receives human readable status changes, a LogNotifier if nil.
	Notifier ifaces.Notifier
	// Prober checks relay connections, an EchoProber on the node if nil.
	Prober session.Prober

	Session session.Config

	// RelayConsumers are the local workers that receive traffic arriving through relays.
	RelayConsumers []routing.Address

	RelayHeartbeatInterval time.Duration
	RelayTimeout           time.Duration
}

// managerRef lets replacers reach their Manager without keeping it alive past Shutdown.
type managerRef struct {
	mu sync.RWMutex
	m  *Manager
}

func (r *managerRef) upgrade() (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.m, r.m != nil
}

func (r *managerRef) clear() {
	r.mu.Lock()
	r.m = nil
	r.mu.Unlock()
}

type registryRelay struct {
	destination routing.Route
	alias       string
	session     *session.Session
}

// Manager owns the relays of a node.
type Manager struct {
	node     *actors.Node
	channels *securechannel.SecureChannels
	opts     ManagerOptions

	ctx    context.Context
	ctxCan context.CancelFunc

	ref *managerRef

	mu     sync.Mutex
	relays map[string]*registryRelay
	closed bool
}

func NewManager(node *actors.Node, channels *securechannel.SecureChannels, opts ManagerOptions) *Manager {
	if opts.Factory == nil {
		opts.Factory = &DefaultConnectionFactory{Node: node, Channels: channels}
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	if opts.Prober == nil {
		opts.Prober = session.EchoProber{Node: node}
	}

	ctx, cancel := context.WithCancel(node.Ctx())

	m := &Manager{
		node:     node,
		channels: channels,
		opts:     opts,
		ctx:      ctx,
		ctxCan:   cancel,
		relays:   make(map[string]*registryRelay),
	}
	m.ref = &managerRef{m: m}

	return m
}

func (m *Manager) Node() *actors.Node {
	return m.node
}

// SecureChannels is nil when the manager was created without secure channel support.
func (m *Manager) SecureChannels() *securechannel.SecureChannels {
	return m.channels
}

// CreateRelay registers a relay under req.Alias, and keeps it alive until deleted.
//
// With AfterConnection, a failing first attempt is logged and retried in the background like any later
// failure; the returned info then has no remote details yet.
func (m *Manager) CreateRelay(ctx context.Context, req CreateRelay) (*RelayInfo, error) {
	log := slog.With("alias", req.Alias, "address", req.Address)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrCancelled
	}
	if _, ok := m.relays[req.Alias]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: a relay with the name %q", ErrAlreadyExists, req.Alias)
	}

	replacer := &RelaySessionReplacer{
		ref:          m.ref,
		addr:         req.Address,
		authorized:   req.Authorized,
		relayAddress: req.RelayAddress,
	}

	rr := &registryRelay{
		destination: req.Address,
		alias:       req.Alias,
		session:     session.New(m.ctx, "relay/"+req.Alias, replacer, m.opts.Prober, m.opts.Session),
	}
	m.relays[req.Alias] = rr
	m.mu.Unlock()

	switch req.ReturnTiming {
	case AfterConnection:
		if err := rr.session.InitialConnect(ctx); err != nil {
			log.Warn("failed to create relay", "err", err)
		}
	default:
		go func() {
			if err := rr.session.InitialConnect(m.ctx); err != nil {
				log.Warn("failed to create relay", "err", err)
			}
		}()
	}

	rr.session.StartMonitoring()

	info := rr.info()

	log.Info("relay created", "authorized", req.Authorized.Val, "remote_address", info.RemoteAddress.Val)

	return info, nil
}

// DeleteRelay removes the relay registered under alias, and stops it.
func (m *Manager) DeleteRelay(ctx context.Context, alias string) error {
	m.mu.Lock()
	rr, ok := m.relays[alias]
	delete(m.relays, alias)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: relay with alias %q", ErrNotFound, alias)
	}

	slog.Debug("removed relay from registry", "alias", alias)

	return rr.session.Close(ctx)
}

// ShowRelay describes the relay registered under alias.
func (m *Manager) ShowRelay(alias string) (*RelayInfo, error) {
	m.mu.Lock()
	rr, ok := m.relays[alias]
	m.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: relay with alias %q", ErrNotFound, alias)
	}

	return rr.info(), nil
}

// Relays describes all registered relays, ordered by alias.
func (m *Manager) Relays() []*RelayInfo {
	m.mu.Lock()
	relays := maps.Values(m.relays)
	m.mu.Unlock()

	slices.SortFunc(relays, func(a, b *registryRelay) int {
		return cmp.Compare(a.alias, b.alias)
	})

	ret := make([]*RelayInfo, 0, len(relays))
	for _, rr := range relays {
		ret = append(ret, rr.info())
	}

	return ret
}

// Shutdown closes every relay. Replacers still holding on to this manager get ErrCancelled afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	relays := maps.Values(m.relays)
	clear(m.relays)
	m.mu.Unlock()

	var errs []error
	for _, rr := range relays {
		if err := rr.session.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing relay %s: %w", rr.alias, err))
		}
	}

	m.ref.clear()
	m.ctxCan()

	return errors.Join(errs...)
}
