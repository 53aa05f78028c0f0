package ifaces

import (
	"context"

	"github.com/edup2p/meshwire/types/routing"
)

// Connection is a way to reach another node, set up by a connection factory.
type Connection interface {
	// Route is how to send messages to the far side; append the remote destination to it.
	Route() routing.Route

	// TransportRoute is the route the bytes take underneath, without any secure channel on top.
	TransportRoute() routing.Route

	// AddConsumer allows addr to receive messages arriving over this connection.
	AddConsumer(addr routing.Address)

	Close(ctx context.Context) error
}

// Notifier shows human-readable status messages to whoever runs the node.
type Notifier interface {
	Notify(msg string)
}

// NotifierFunc adapts a plain function to Notifier.
type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) {
	f(msg)
}
