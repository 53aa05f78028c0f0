package nodes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/meshwire/relay"
	"github.com/edup2p/meshwire/session"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/ifaces"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
)

// CreateRelay is a request for a relay at another node.
type CreateRelay struct {
	// Address reaches the node running the relay service.
	Address routing.Route

	// Alias names the relay in this node's registry.
	Alias string

	// Authorized requires a secure channel to the node, proving this identity. The last hop of Address is
	// then its secure channel listener.
	Authorized gonull.Nullable[key.Identifier]

	// RelayAddress asks for a static forwarder under this name, instead of a random one.
	RelayAddress gonull.Nullable[string]

	ReturnTiming ReturnTiming
}

// RelayInfo describes a registered relay. The remote details are only present while connected at least once.
type RelayInfo struct {
	DestinationAddress routing.Route
	Alias              string
	Status             session.Status

	ForwardingRoute gonull.Nullable[routing.Route]
	RemoteAddress   gonull.Nullable[string]
	WorkerAddress   gonull.Nullable[routing.Address]
	FlowControlID   gonull.Nullable[flowcontrol.ID]
}

func (rr *registryRelay) info() *RelayInfo {
	info := &RelayInfo{
		DestinationAddress: rr.destination,
		Alias:              rr.alias,
		Status:             rr.session.Status(),
	}

	if o := rr.session.LastOutcome(); o != nil {
		if ri, ok := o.Kind.(*relay.RemoteRelayInfo); ok {
			info.ForwardingRoute = gonull.NewNullable(ri.ForwardingRoute)
			info.RemoteAddress = gonull.NewNullable(ri.RemoteAddress)
			info.WorkerAddress = gonull.NewNullable(ri.WorkerAddress)
			info.FlowControlID = gonull.NewNullable(ri.FlowControlID)
		}
	}

	return info
}

// RelaySessionReplacer connects to the relay node and registers a RemoteRelay there. Its calls are
// serialized by the session owning it.
type RelaySessionReplacer struct {
	ref *managerRef

	addr         routing.Route
	authorized   gonull.Nullable[key.Identifier]
	relayAddress gonull.Nullable[string]

	// current resources
	connection  ifaces.Connection
	relayWorker gonull.Nullable[routing.Address]
}

func (r *RelaySessionReplacer) log() *slog.Logger {
	return slog.With("relay", r.addr)
}

func (r *RelaySessionReplacer) Create(ctx context.Context) (*session.Outcome, error) {
	m, ok := r.ref.upgrade()
	if !ok {
		return nil, fmt.Errorf("%w: can't start a relay", ErrCancelled)
	}

	r.cleanup(ctx, m)

	conn, err := m.opts.Factory.Connect(ctx, r.addr, r.authorized)
	if err != nil {
		return nil, err
	}

	opts := relay.RemoteRelayOptions{
		HeartbeatInterval: m.opts.RelayHeartbeatInterval,
		Timeout:           m.opts.RelayTimeout,
	}
	if r.relayAddress.Valid {
		opts.Alias = r.relayAddress.Val
	}

	info, err := relay.CreateRemoteRelay(ctx, m.node, conn.Route(), opts)
	if err != nil {
		if cErr := conn.Close(ctx); cErr != nil {
			r.log().Warn("failed to close connection", "err", cErr)
		}
		return nil, err
	}

	r.connection = conn
	r.relayWorker = gonull.NewNullable(info.WorkerAddress)

	// consumers receive relayed traffic, and whatever the remote node sends back over the connection
	fc := m.node.FlowControls()
	for _, c := range m.opts.RelayConsumers {
		fc.AddConsumer(c, info.FlowControlID)
		conn.AddConsumer(c)
	}

	return &session.Outcome{
		// ping the other node directly
		PingRoute: conn.TransportRoute().Modify().Append(session.DefaultEchoAddress).Build(),
		Kind:      info,
	}, nil
}

func (r *RelaySessionReplacer) cleanup(ctx context.Context, m *Manager) {
	if r.connection != nil {
		if err := r.connection.Close(ctx); err != nil {
			r.log().Error("failed to close connection", "err", err)
		}
		r.connection = nil
	}

	if r.relayWorker.Valid {
		addr := r.relayWorker.Val
		if err := m.node.StopAddress(addr); err != nil {
			r.log().Debug("relay worker already stopped", "worker", addr, "err", err)
		} else {
			r.log().Debug("stopped relay worker", "worker", addr)
		}
		r.relayWorker = gonull.Nullable[routing.Address]{}
	}
}

func (r *RelaySessionReplacer) Close(ctx context.Context) error {
	m, ok := r.ref.upgrade()
	if !ok {
		r.log().Warn("relay close issued after the node manager shut down, skipping")
		return nil
	}

	r.cleanup(ctx, m)

	return nil
}

func (r *RelaySessionReplacer) OnSessionDown(context.Context) {
	if m, ok := r.ref.upgrade(); ok {
		m.opts.Notifier.Notify(fmt.Sprintf("The node lost the connection to the relay at %s, attempting to reconnect", r.addr))
	}
}

func (r *RelaySessionReplacer) OnSessionReplaced(context.Context) {
	if m, ok := r.ref.upgrade(); ok {
		m.opts.Notifier.Notify(fmt.Sprintf("The node has restored the connection to the relay at %s", r.addr))
	}
}

var _ session.Replacer = (*RelaySessionReplacer)(nil)
