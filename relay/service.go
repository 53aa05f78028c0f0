package relay

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/maps"
)

type ServiceOptions struct {
	// ForwarderFlows are the flows every forwarder consumes, so it can receive heartbeats and traffic
	// through flow controlled producers, like a secure channel listener.
	ForwarderFlows []flowcontrol.ID
}

// Service registers forwarders on behalf of remote nodes.
type Service struct {
	opts ServiceOptions

	mu sync.Mutex
	// forwarders registered under an alias
	static map[string]routing.Address
}

// StartService runs a relay Service at addr.
func StartService(n *actors.Node, addr routing.Address, opts ServiceOptions) (*Service, error) {
	s := &Service{opts: opts, static: make(map[string]routing.Address)}

	if err := n.StartWorker(actors.Single(actors.AllowAllMailbox(addr)), s); err != nil {
		return nil, err
	}

	return s, nil
}

// Aliases lists the aliases forwarders were registered under, sorted.
func (s *Service) Aliases() []string {
	s.mu.Lock()
	aliases := maps.Keys(s.static)
	s.mu.Unlock()

	slices.Sort(aliases)
	return aliases
}

func (s *Service) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	var req registerRequest
	if err := bson.Unmarshal(msg.Payload(), &req); err != nil {
		return fmt.Errorf("bad registration request: %w", err)
	}

	var addr routing.Address

	if req.Alias != "" {
		addr = ForwarderAddress(req.Alias)

		s.mu.Lock()
		_, ours := s.static[req.Alias]
		s.mu.Unlock()

		if ours {
			// re-registration, the registrant probably reconnected
			if err := ctx.StopAddress(addr); err != nil {
				slog.Debug("previous forwarder already gone", "alias", req.Alias, "err", err)
			}
		} else if ctx.Node().IsRegistered(addr) {
			return fmt.Errorf("%w: %s", ErrAliasInUse, req.Alias)
		}
	} else {
		addr = routing.RandomLocal("forward_to")
	}

	f := &Forwarder{forwardRoute: msg.ReturnRoute()}
	if err := ctx.StartWorker(actors.Single(actors.AllowAllMailbox(addr)), f); err != nil {
		return err
	}

	for _, id := range s.opts.ForwarderFlows {
		ctx.FlowControls().AddConsumer(addr, id)
	}

	if req.Alias != "" {
		s.mu.Lock()
		s.static[req.Alias] = addr
		s.mu.Unlock()
	}

	b, err := bson.Marshal(registerResponse{RemoteAddress: addr.Identifier})
	if err != nil {
		return err
	}

	slog.Info("registered forwarder", "address", addr, "to", f.forwardRoute)

	return ctx.Send(msg.ReturnRoute(), b)
}

// Forwarder passes everything it receives on to the node that registered it.
type Forwarder struct {
	forwardRoute routing.Route
}

func (f *Forwarder) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	if msg.ReturnRoute().Equal(f.forwardRoute) {
		actors.L(f).Log(ctx.Ctx(), types.LevelTrace, "heartbeat", "address", ctx.Address())
		return nil
	}

	lm, err := msg.Local.PopFrontOnward()
	if err != nil {
		return err
	}

	lm.Onward = f.forwardRoute.Modify().AppendRoute(lm.Onward).Build()

	return ctx.Forward(lm)
}
