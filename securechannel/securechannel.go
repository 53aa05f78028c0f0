// Package securechannel turns a route to a remote node into a mutually authenticated, encrypted channel.
//
// A handshake (ephemeral key exchange, identity proofs, trust decision) runs in a HandshakeWorker; once it
// succeeds, an Encryptor and Decryptor take over its addresses. Sending to a channel's encryptor address
// encrypts the message for the peer; messages arriving at its decryptor are decrypted and forwarded locally,
// subject to the channel's flow control.
package securechannel

import (
	"errors"

	"github.com/edup2p/meshwire/actors"
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/routing"
)

var (
	// ErrHandshakeCrypto is a failed key exchange, signature, or decryption, or a handshake timeout.
	ErrHandshakeCrypto = errors.New("secure channel handshake failed")
	// ErrTrustRejected is a handshake that was cryptographically sound, but whose peer the trust policy
	// did not accept.
	ErrTrustRejected = errors.New("secure channel peer rejected by trust policy")

	ErrNotFound  = errors.New("secure channel not found")
	ErrMalformed = errors.New("malformed secure channel message")
	ErrReplay    = errors.New("replayed or too old secure channel message")
)

// Role is the side of the handshake a worker plays.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// State is the progress of a single handshake.
type State uint8

const (
	AwaitingHandshake State = iota
	KeyExchangeInProgress
	AwaitingIdentityProof
	AwaitingTrustDecision
	Established
	Failed
)

func (s State) String() string {
	switch s {
	case AwaitingHandshake:
		return "awaiting handshake"
	case KeyExchangeInProgress:
		return "key exchange in progress"
	case AwaitingIdentityProof:
		return "awaiting identity proof"
	case AwaitingTrustDecision:
		return "awaiting trust decision"
	case Established:
		return "established"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Addresses are the four addresses of a single secure channel.
type Addresses struct {
	// Encryptor receives local plaintext destined for the peer.
	Encryptor routing.Address
	// EncryptorInternal is where ciphertext leaves from.
	EncryptorInternal routing.Address
	// DecryptorRemote receives handshake messages and ciphertext from the peer.
	DecryptorRemote routing.Address
	// DecryptorInternal is where decrypted messages leave from.
	DecryptorInternal routing.Address
}

func newAddresses() Addresses {
	return Addresses{
		Encryptor:         routing.RandomLocal("sc_encryptor"),
		EncryptorInternal: routing.RandomLocal("sc_encryptor_internal"),
		DecryptorRemote:   routing.RandomLocal("sc_decryptor_remote"),
		DecryptorInternal: routing.RandomLocal("sc_decryptor_internal"),
	}
}

func (a Addresses) encryptorMailboxes() actors.Mailboxes {
	return actors.Mailboxes{
		Primary:    actors.NewMailbox(a.Encryptor, access.AllowAll, access.DenyAll),
		Additional: []actors.Mailbox{actors.NewMailbox(a.EncryptorInternal, access.DenyAll, access.AllowAll)},
	}
}

func (a Addresses) decryptorMailboxes(decryptedOut access.Control) actors.Mailboxes {
	return actors.Mailboxes{
		Primary: actors.NewMailbox(a.DecryptorRemote, access.AllowAll, access.AllowAll),
		Additional: []actors.Mailbox{actors.NewMailbox(
			a.DecryptorInternal,
			access.AllowSourceAddress(a.DecryptorRemote),
			decryptedOut,
		)},
	}
}

// handshakeMailboxes is the union of encryptor and decryptor mailboxes, held until the handshake is done.
func (a Addresses) handshakeMailboxes(decryptedOut access.Control) actors.Mailboxes {
	dec := a.decryptorMailboxes(decryptedOut)
	enc := a.encryptorMailboxes()

	return actors.Mailboxes{
		Primary:    dec.Primary,
		Additional: append(append(dec.Additional, enc.Primary), enc.Additional...),
	}
}
