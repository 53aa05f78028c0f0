package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/LukaGiorgadze/gonull"
	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/securechannel"
	"github.com/edup2p/meshwire/types/ifaces"
	"github.com/edup2p/meshwire/types/key"
	"github.com/edup2p/meshwire/types/routing"
)

// ConnectionFactory opens connections to other nodes.
type ConnectionFactory interface {
	// Connect opens a connection along route. With an authorized identifier, the last hop of route is a
	// secure channel listener, and the peer behind it must prove that identity.
	Connect(ctx context.Context, route routing.Route, authorized gonull.Nullable[key.Identifier]) (ifaces.Connection, error)
}

// DefaultConnectionFactory connects over plain routes, or secure channels when asked for an identity.
type DefaultConnectionFactory struct {
	Node     *actors.Node
	Channels *securechannel.SecureChannels

	HandshakeTimeout time.Duration
}

func (f *DefaultConnectionFactory) Connect(ctx context.Context, route routing.Route, authorized gonull.Nullable[key.Identifier]) (ifaces.Connection, error) {
	if !authorized.Valid {
		return &routeConnection{node: f.Node, route: route}, nil
	}

	if f.Channels == nil {
		return nil, fmt.Errorf("cannot connect to %s over a secure channel, no secure channels configured", authorized.Val)
	}

	timeout := f.HandshakeTimeout
	if timeout <= 0 {
		timeout = securechannel.DefaultHandshakeTimeout
	}

	sc, err := f.Channels.CreateSecureChannel(ctx, route, securechannel.Options{
		TrustPolicy: securechannel.TrustIdentifiers(authorized.Val),
		Timeout:     timeout,
	})
	if err != nil {
		return nil, err
	}

	return &channelConnection{SecureChannel: sc, transport: route.Modify().PopBack().Build()}, nil
}

// routeConnection is a connection over a route as it is, which has nothing to set up or tear down.
type routeConnection struct {
	node  *actors.Node
	route routing.Route
}

func (c *routeConnection) Route() routing.Route          { return c.route }
func (c *routeConnection) TransportRoute() routing.Route { return c.route }

func (c *routeConnection) AddConsumer(addr routing.Address) {
	next, err := c.route.Next()
	if err != nil {
		return
	}

	hop, err := c.node.Resolve(c.node.Ctx(), next)
	if err != nil {
		return
	}

	fc := c.node.FlowControls()
	if id, ok := fc.FindFlowControlID(hop); ok {
		fc.AddConsumer(addr, id)
	}
}

func (c *routeConnection) Close(context.Context) error { return nil }

// channelConnection is a secure channel, whose transport route stops short of the remote listener.
type channelConnection struct {
	*securechannel.SecureChannel
	transport routing.Route
}

func (c *channelConnection) TransportRoute() routing.Route { return c.transport }
