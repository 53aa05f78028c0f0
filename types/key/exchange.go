package key

import (
	"crypto/subtle"
	"fmt"

	"github.com/edup2p/meshwire/types"
	"go4.org/mem"
	"golang.org/x/crypto/curve25519"
)

// ExchangePublic is an ephemeral x25519 public key, sent during a handshake.
type ExchangePublic NakedKey

func (e ExchangePublic) Debug() string {
	return fmt.Sprintf("%x", e)
}

func (e ExchangePublic) IsZero() bool {
	return e == ExchangePublic{}
}

func (e ExchangePublic) ToByteSlice() []byte {
	return e[:]
}

// AppendText implements encoding.TextAppender.
func (e ExchangePublic) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, exchangePublicHexPrefix, e[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (e ExchangePublic) MarshalText() ([]byte, error) {
	return e.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *ExchangePublic) UnmarshalText(b []byte) error {
	return parseHex(e[:], mem.B(b), mem.S(exchangePublicHexPrefix))
}

// ExchangePrivate is an ephemeral x25519 private key, it lives as long as a single handshake.
type ExchangePrivate struct {
	_   types.Incomparable
	key NakedKey
}

// NewExchange creates and returns a new ephemeral exchange key.
//
// These keys are used for a Noise-style exchange, so they are not clamped at creation;
// X25519 does that on use.
func NewExchange() ExchangePrivate {
	var ret ExchangePrivate
	rand(ret.key[:])
	return ret
}

// Equal reports whether k and other are the same key.
func (e ExchangePrivate) Equal(other ExchangePrivate) bool {
	return subtle.ConstantTimeCompare(e.key[:], other.key[:]) == 1
}

// IsZero reports whether k is the zero value.
func (e ExchangePrivate) IsZero() bool {
	return e.Equal(ExchangePrivate{})
}

// Public returns the ExchangePublic for e.
// Panics if ExchangePrivate is zero.
func (e ExchangePrivate) Public() ExchangePublic {
	if e.IsZero() {
		panic("can't take the public key of a zero ExchangePrivate")
	}

	var ret ExchangePublic
	curve25519.ScalarBaseMult((*[32]byte)(&ret), (*[32]byte)(&e.key))
	return ret
}

// Shared computes the x25519 shared secret between e and p.
//
// Returns an error for low-order peer points.
func (e ExchangePrivate) Shared(p ExchangePublic) (NakedKey, error) {
	if e.IsZero() || p.IsZero() {
		return NakedKey{}, fmt.Errorf("can't compute shared secret with zero keys")
	}

	out, err := curve25519.X25519(e.key[:], p[:])
	if err != nil {
		return NakedKey{}, err
	}

	return NakedKey(out), nil
}

// Wipe zeroes the private key material.
func (e *ExchangePrivate) Wipe() {
	types.Wipe(e.key[:])
}
