package securechannel

import (
	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
)

// Listener accepts incoming handshakes, spawning a responder HandshakeWorker for each.
type Listener struct {
	address routing.Address
	flowID  flowcontrol.ID
	opts    ListenerOptions

	registry *SecureChannels
}

func (l *Listener) Address() routing.Address {
	return l.address
}

// FlowControlID is the spawner flow of all channels accepted by this listener; its consumers may receive
// messages decrypted by any of them.
func (l *Listener) FlowControlID() flowcontrol.ID {
	return l.flowID
}

// AddConsumer allows addr to receive from every channel this listener accepts.
func (l *Listener) AddConsumer(addr routing.Address) {
	l.registry.node.FlowControls().AddConsumer(addr, l.flowID)
}

func (l *Listener) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	fc := ctx.FlowControls()
	addrs := newAddresses()
	flowID := flowcontrol.NewID()

	fc.AddProducer(addrs.DecryptorInternal, flowID, &l.flowID, []routing.Address{addrs.Encryptor})

	// the rest of the handshake arrives from the same transport as this first message
	if hop, err := msg.ReturnRoute().Next(); err == nil {
		l.registry.consumeTransport(addrs.DecryptorRemote, hop)
	}

	w := newHandshakeWorker(handshakeParams{
		role:         Responder,
		addrs:        addrs,
		flowID:       flowID,
		decryptedOut: access.NewFlowControlOutgoing(fc, flowID, &l.flowID),
		identity:     l.registry.identity,
		trust:        l.opts.TrustPolicy,
		registry:     l.registry,
		timeout:      l.opts.HandshakeTimeout,
	})

	if err := ctx.StartWorker(w.mailboxes(), w); err != nil {
		fc.Cleanup(addrs.DecryptorInternal)
		fc.Cleanup(addrs.DecryptorRemote)
		return err
	}

	lm, err := msg.Local.ReplaceFrontOnward(addrs.DecryptorRemote)
	if err != nil {
		return err
	}

	return ctx.Forward(lm)
}
