package securechannel

import (
	"fmt"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/routing"
)

// Decryptor decrypts messages from the peer, and forwards them from the channel's internal decryptor
// address, so its flow control applies. Replies are routed back through the channel's encryptor.
type Decryptor struct {
	channel *SecureChannel
	opener  *opener
}

func (d *Decryptor) HandleMessage(ctx *actors.Context, msg *routing.RelayMessage) error {
	addrs := d.channel.addresses

	if msg.Destination != addrs.DecryptorRemote {
		return nil
	}

	t, body, err := splitMessage(msg.Payload())
	if err != nil {
		return err
	}

	if t != msgData {
		// a late or repeated handshake message
		actors.L(d).Debug("ignoring non-data message", "type", t)
		return nil
	}

	pt, err := d.opener.open(body)
	if err != nil {
		return fmt.Errorf("dropping undecryptable message: %w", err)
	}

	inner, err := routing.DecodeLocalMessage(pt)
	if err != nil {
		return fmt.Errorf("dropping undecodable message: %w", err)
	}

	return ctx.ForwardFrom(addrs.DecryptorInternal, inner.PushFrontReturn(addrs.Encryptor))
}

func (d *Decryptor) Shutdown(*actors.Context) error {
	d.channel.registry.closed(d.channel)
	return nil
}
