package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/routing"
)

// DefaultEchoAddress is where nodes run their EchoService.
var DefaultEchoAddress = routing.Local("echo")

var ErrBadPong = errors.New("echo reply did not match")

// Prober checks whether a route is still alive.
type Prober interface {
	Probe(ctx context.Context, route routing.Route) error
}

// EchoProber sends a random payload along the route, and expects it back.
type EchoProber struct {
	Node *actors.Node
}

func (p EchoProber) Probe(ctx context.Context, route routing.Route) error {
	ping := []byte(types.RandStringBytesMaskImprSrc(16))

	reply, err := actors.Request(ctx, p.Node, route, ping)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	if !bytes.Equal(reply.Payload(), ping) {
		return ErrBadPong
	}

	return nil
}

// EchoService replies to every message with its own payload.
type EchoService struct{}

func (EchoService) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	return ctx.Send(msg.ReturnRoute(), msg.Payload())
}

// StartEchoService runs an EchoService at addr, reachable by anyone.
func StartEchoService(n *actors.Node, addr routing.Address) error {
	return n.StartWorker(actors.Single(actors.AllowAllMailbox(addr)), EchoService{})
}
