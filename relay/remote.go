package relay

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
	"go.mongodb.org/mongo-driver/bson"
)

type RemoteRelayOptions struct {
	// Alias registers a static forwarder, replacing an earlier registration under the same alias.
	// Empty gets a random forwarder address.
	Alias string

	HeartbeatInterval time.Duration
	// Timeout bounds the wait for the registration reply.
	Timeout time.Duration
}

// RemoteRelayInfo describes a completed registration.
type RemoteRelayInfo struct {
	// ForwardingRoute reaches the forwarder from this node.
	ForwardingRoute routing.Route
	// RemoteAddress is the forwarder's address on the remote node.
	RemoteAddress string
	// WorkerAddress is the local RemoteRelay worker.
	WorkerAddress routing.Address
	// FlowControlID is the flow relayed traffic is produced on; local workers have to consume it to receive any.
	FlowControlID flowcontrol.ID
}

type registration struct {
	info *RemoteRelayInfo
	err  error
}

// RemoteRelay keeps a forwarder registered at a remote Service, and hands relayed traffic to local workers.
type RemoteRelay struct {
	registrationRoute routing.Route
	alias             string
	interval          time.Duration

	address       routing.Address
	heartbeatAddr routing.Address
	flow          flowcontrol.ID

	heartbeat *actors.DelayedEvent

	// resolved first hop of the forwarding route, once known
	forwardingHop atomic.Pointer[routing.Address]

	info *RemoteRelayInfo

	registered chan registration
}

// CreateRemoteRelay registers with the relay Service reachable through route, and waits for its reply.
//
// An empty route registers with the local Service.
func CreateRemoteRelay(ctx context.Context, n *actors.Node, route routing.Route, opts RemoteRelayOptions) (*RemoteRelayInfo, error) {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRegistrationTimeout
	}

	regRoute := route.Modify().Append(DefaultServiceAddress).Build()

	next, err := regRoute.Next()
	if err != nil {
		return nil, err
	}

	resolved, err := n.Resolve(ctx, next)
	if err != nil {
		return nil, err
	}

	r := &RemoteRelay{
		registrationRoute: regRoute,
		alias:             opts.Alias,
		interval:          opts.HeartbeatInterval,

		address:       routing.RandomLocal("remote_relay"),
		heartbeatAddr: routing.RandomLocal("remote_relay_heartbeat"),
		flow:          flowcontrol.NewID(),

		registered: make(chan registration, 1),
	}

	fc := n.FlowControls()

	fc.AddProducer(r.address, r.flow, nil, nil)
	if nextFlow, ok := fc.FindFlowControlID(resolved); ok {
		// registration replies and relayed traffic come back through the same producer
		fc.AddConsumer(r.address, nextFlow)
	}

	mbs := actors.Mailboxes{
		Primary: actors.NewMailbox(
			r.address,
			access.AllowAll,
			access.Any{
				access.AllowOnwardAddress(resolved),
				access.AllowOnwardAddress(r.heartbeatAddr),
				access.Func(r.toForwarder),
				access.NewFlowControlOutgoing(fc, r.flow, nil),
			},
		),
		Additional: []actors.Mailbox{
			actors.NewMailbox(r.heartbeatAddr, access.AllowSourceAddress(r.address), access.DenyAll),
		},
	}

	if err := n.StartWorker(mbs, r); err != nil {
		fc.Cleanup(r.address)
		return nil, err
	}

	timer := time.NewTimer(opts.Timeout)
	defer timer.Stop()

	select {
	case reg := <-r.registered:
		if reg.err != nil {
			_ = n.StopAddress(r.address)
			return nil, fmt.Errorf("%w: %w", ErrRegistration, reg.err)
		}
		return reg.info, nil
	case <-timer.C:
		_ = n.StopAddress(r.address)
		return nil, fmt.Errorf("%w: no reply within %s", ErrRegistration, opts.Timeout)
	case <-ctx.Done():
		_ = n.StopAddress(r.address)
		return nil, fmt.Errorf("%w: %w", ErrRegistration, ctx.Err())
	}
}

func (r *RemoteRelay) toForwarder(msg *routing.RelayMessage) bool {
	hop := r.forwardingHop.Load()
	return hop != nil && msg.Destination == *hop
}

func (r *RemoteRelay) Initialize(ctx *actors.Context) error {
	r.heartbeat = actors.NewDelayedEvent(ctx, routing.NewRoute(r.heartbeatAddr), nil)

	b, err := bson.Marshal(registerRequest{Alias: r.alias})
	if err != nil {
		return err
	}

	if err := ctx.Send(r.registrationRoute, b); err != nil {
		r.registered <- registration{err: err}
		return err
	}

	return nil
}

func (r *RemoteRelay) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	switch {
	case msg.Destination == r.heartbeatAddr:
		if err := ctx.Send(r.info.ForwardingRoute, nil); err != nil {
			actors.L(r).Warn("could not send heartbeat", "err", err, "route", r.info.ForwardingRoute)
		}
		r.heartbeat.Schedule(r.interval)

		return nil
	case r.info == nil:
		return r.handleRegistration(ctx, msg)
	}

	lm, err := msg.Local.PopFrontOnward()
	if err != nil {
		return err
	}

	if lm.Onward.IsEmpty() {
		// a heartbeat of a worker whose forwarder was since replaced by ours
		actors.L(r).Debug("dropping message without onward route", "from", msg.ReturnRoute())
		return nil
	}

	actors.L(r).Log(ctx.Ctx(), types.LevelTrace, "relaying", "to", lm.Onward)

	return ctx.Forward(lm)
}

func (r *RemoteRelay) handleRegistration(ctx *actors.Context, msg *routing.RelayMessage) error {
	var resp registerResponse
	if err := bson.Unmarshal(msg.Payload(), &resp); err != nil || resp.RemoteAddress == "" {
		actors.L(r).Warn("ignoring unexpected message before registration", "from", msg.ReturnRoute())
		return nil
	}

	fwd := msg.ReturnRoute().Modify().PopBack().Append(routing.Local(resp.RemoteAddress)).Build()

	hop, err := fwd.Next()
	if err != nil {
		return err
	}
	if hop, err = ctx.Node().Resolve(ctx.Ctx(), hop); err != nil {
		return err
	}
	r.forwardingHop.Store(&hop)

	r.info = &RemoteRelayInfo{
		ForwardingRoute: fwd,
		RemoteAddress:   resp.RemoteAddress,
		WorkerAddress:   r.address,
		FlowControlID:   r.flow,
	}

	r.heartbeat.Schedule(r.interval)

	actors.L(r).Info("registered with relay", "forwarding_route", fwd)

	r.registered <- registration{info: r.info}

	return nil
}

func (r *RemoteRelay) Shutdown(*actors.Context) error {
	if r.heartbeat != nil {
		r.heartbeat.Cancel()
	}
	return nil
}
