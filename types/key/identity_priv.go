package key

import (
	"crypto/ed25519"
	"crypto/subtle"

	"github.com/edup2p/meshwire/types"
	"go4.org/mem"
)

// IdentityPrivate is the private half of a long-term identity, stored as an ed25519 seed.
type IdentityPrivate struct {
	_    types.Incomparable
	seed NakedKey
}

// NewIdentity creates and returns a new identity private key.
func NewIdentity() IdentityPrivate {
	var ret IdentityPrivate
	rand(ret.seed[:])
	return ret
}

// Equal reports whether k and other are the same key.
func (p IdentityPrivate) Equal(other IdentityPrivate) bool {
	return subtle.ConstantTimeCompare(p.seed[:], other.seed[:]) == 1
}

// IsZero reports whether k is the zero value.
func (p IdentityPrivate) IsZero() bool {
	return p.Equal(IdentityPrivate{})
}

func (p IdentityPrivate) expand() ed25519.PrivateKey {
	if p.IsZero() {
		panic("can't use a zero IdentityPrivate")
	}
	return ed25519.NewKeyFromSeed(p.seed[:])
}

func (p IdentityPrivate) Public() Identifier {
	var ret Identifier
	copy(ret[:], p.expand().Public().(ed25519.PublicKey))
	return ret
}

// Sign signs msg with this identity.
func (p IdentityPrivate) Sign(msg []byte) []byte {
	return ed25519.Sign(p.expand(), msg)
}

// AppendText implements encoding.TextAppender.
func (p IdentityPrivate) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, identityPrivateHexPrefix, p.seed[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (p IdentityPrivate) MarshalText() ([]byte, error) {
	return p.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *IdentityPrivate) UnmarshalText(b []byte) error {
	return parseHex(p.seed[:], mem.B(b), mem.S(identityPrivateHexPrefix))
}
