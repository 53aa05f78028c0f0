// Package routing contains the addressing model; typed addresses, routes of hops between them,
// and the messages that travel along those routes.
package routing

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/bin"
)

var (
	ErrIncompleteRoute = errors.New("incomplete route")
	ErrEncoding        = errors.New("routing: malformed encoding")
)

// TransportType says which transport delivers to an Address.
type TransportType uint8

const (
	LocalTransport TransportType = 0
	TCPTransport   TransportType = 1
	UDPTransport   TransportType = 2
	UDSTransport   TransportType = 3
)

const addressTypeSeparator = "#"

// Address names a single mailbox, either in-process (local) or on the far side of a transport.
type Address struct {
	Transport  TransportType
	Identifier string
}

func NewAddress(t TransportType, id string) Address {
	return Address{Transport: t, Identifier: id}
}

// Local returns a local-transport address.
func Local(id string) Address {
	return Address{Transport: LocalTransport, Identifier: id}
}

// RandomLocal returns a fresh local address, optionally with a readable tag in front.
func RandomLocal(tag string) Address {
	id := types.RandStringBytesMaskImprSrc(32)
	if tag != "" {
		id = tag + "." + id
	}
	return Local(id)
}

// ParseAddress parses "<type>#<identifier>"; a string without a type defaults to the local transport.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)

	t, id, found := strings.Cut(s, addressTypeSeparator)
	if !found {
		return Local(s), nil
	}

	tt, err := strconv.ParseUint(t, 10, 8)
	if err != nil {
		return Address{}, fmt.Errorf("invalid transport type %q: %w", t, err)
	}

	return Address{Transport: TransportType(tt), Identifier: id}, nil
}

// MustParseAddress is ParseAddress that panics, for tests and constants.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Address) IsLocal() bool {
	return a.Transport == LocalTransport
}

func (a Address) String() string {
	return strconv.Itoa(int(a.Transport)) + addressTypeSeparator + a.Identifier
}

// Compare orders addresses by transport type, then identifier.
func (a Address) Compare(b Address) int {
	if c := cmp.Compare(a.Transport, b.Transport); c != 0 {
		return c
	}
	return strings.Compare(a.Identifier, b.Identifier)
}

func (a Address) appendBinary(b []byte) []byte {
	b = append(b, byte(a.Transport))
	return bin.AppendBytes(b, []byte(a.Identifier))
}

func decodeAddress(b []byte) (Address, int, error) {
	if len(b) < 1 {
		return Address{}, 0, ErrEncoding
	}

	id, n, err := bin.ReadBytes(b[1:])
	if err != nil {
		return Address{}, 0, fmt.Errorf("%w: address: %w", ErrEncoding, err)
	}

	return Address{Transport: TransportType(b[0]), Identifier: string(id)}, n + 1, nil
}
