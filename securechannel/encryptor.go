package securechannel

import (
	"fmt"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/routing"
)

// Encryptor encrypts local messages sent through the channel, and sends them to the peer's decryptor.
type Encryptor struct {
	channel *SecureChannel
	sealer  *sealer
}

func (e *Encryptor) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	addrs := e.channel.addresses

	if msg.Destination != addrs.Encryptor {
		return nil
	}

	inner, err := msg.Local.PopFrontOnward()
	if err != nil {
		return err
	}

	pt, err := inner.MarshalBinary()
	if err != nil {
		return fmt.Errorf("could not encode message: %w", err)
	}

	return ctx.SendFrom(addrs.EncryptorInternal, e.channel.remoteRoute, withType(msgData, e.sealer.seal(pt)))
}

func (e *Encryptor) Shutdown(*actors.Context) error {
	e.channel.registry.closed(e.channel)
	return nil
}
