package key

import (
	"encoding/hex"
	"fmt"

	"github.com/edup2p/meshwire/types"
)

const Len = 32

// NakedKey is 32 bytes of raw key material.
//
// Identifiers and exchange keys are typed over it; a NakedKey on its own is a derived secret (a shared secret or
// a channel key) that its owner wipes once done with it.
type NakedKey [Len]byte

func (n NakedKey) Debug() string {
	return fmt.Sprintf("%x", n)
}

func (n NakedKey) HexString() string {
	return hex.EncodeToString(n[:])
}

func (n NakedKey) IsZero() bool {
	return n == NakedKey{}
}

// Wipe zeroes the key in place.
func (n *NakedKey) Wipe() {
	types.Wipe(n[:])
}
