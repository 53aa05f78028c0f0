package routing

import (
	"fmt"
	"slices"
	"strings"

	"github.com/edup2p/meshwire/types/bin"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

const routeSeparator = "=>"

// Route is an ordered sequence of hops; the front is the next hop, the back is the final recipient.
//
// Routes are values; Step only shortens the receiver and never modifies shared hops.
type Route struct {
	hops []Address
}

func NewRoute(addrs ...Address) Route {
	return Route{hops: slices.Clone(addrs)}
}

// RouteOf builds a route from address text, see ParseAddress. Panics on malformed input.
func RouteOf(addrs ...string) Route {
	r := Route{hops: make([]Address, 0, len(addrs))}
	for _, a := range addrs {
		r.hops = append(r.hops, MustParseAddress(a))
	}
	return r
}

// ParseRoute parses hops joined by "=>", trimming whitespace around each hop.
//
// Empty input yields ok == false, not a route with one empty hop.
func ParseRoute(s string) (r Route, ok bool, err error) {
	if strings.TrimSpace(s) == "" {
		return Route{}, false, nil
	}

	for _, part := range strings.Split(s, routeSeparator) {
		a, err := ParseAddress(part)
		if err != nil {
			return Route{}, false, err
		}
		r.hops = append(r.hops, a)
	}

	return r, true, nil
}

// Step removes and returns the front hop.
func (r *Route) Step() (Address, error) {
	if len(r.hops) == 0 {
		return Address{}, ErrIncompleteRoute
	}

	a := r.hops[0]
	r.hops = r.hops[1:]

	return a, nil
}

// Next returns the front hop without removing it.
func (r Route) Next() (Address, error) {
	if len(r.hops) == 0 {
		return Address{}, ErrIncompleteRoute
	}
	return r.hops[0], nil
}

// Recipient returns the final hop.
func (r Route) Recipient() (Address, error) {
	if len(r.hops) == 0 {
		return Address{}, ErrIncompleteRoute
	}
	return r.hops[len(r.hops)-1], nil
}

func (r Route) Len() int {
	return len(r.hops)
}

func (r Route) IsEmpty() bool {
	return len(r.hops) == 0
}

// Hops returns a copy of the hops, front to back.
func (r Route) Hops() []Address {
	return slices.Clone(r.hops)
}

// ContainsRoute reports whether needle appears contiguously in r.
//
// An empty needle is an error, a needle longer than r is simply not contained.
func (r Route) ContainsRoute(needle Route) (bool, error) {
	if needle.IsEmpty() {
		return false, ErrIncompleteRoute
	}

	hl, nl := len(r.hops), len(needle.hops)
	if nl > hl {
		return false, nil
	}

	for i := 0; i <= hl-nl; i++ {
		if slices.Equal(r.hops[i:i+nl], needle.hops) {
			return true, nil
		}
	}

	return false, nil
}

// IsLocal reports whether every hop is a local address.
func (r Route) IsLocal() bool {
	for _, a := range r.hops {
		if !a.IsLocal() {
			return false
		}
	}
	return true
}

func (r Route) Equal(o Route) bool {
	return slices.Equal(r.hops, o.hops)
}

func (r Route) String() string {
	parts := make([]string, len(r.hops))
	for i, a := range r.hops {
		parts[i] = a.String()
	}
	return strings.Join(parts, " "+routeSeparator+" ")
}

// Modify returns a builder seeded with a copy of this route.
func (r Route) Modify() *RouteBuilder {
	return &RouteBuilder{hops: slices.Clone(r.hops)}
}

// AppendBinary appends the wire encoding; a varint hop count followed by every address, front to back.
func (r Route) AppendBinary(b []byte) []byte {
	b = bin.AppendUvarint(b, uint64(len(r.hops)))
	for _, a := range r.hops {
		b = a.appendBinary(b)
	}
	return b
}

func (r Route) MarshalBinary() ([]byte, error) {
	return r.AppendBinary(nil), nil
}

// DecodeRoute decodes a route from the start of b, returning the amount of bytes consumed.
func DecodeRoute(b []byte) (Route, int, error) {
	count, off, err := bin.ReadUvarint(b)
	if err != nil {
		return Route{}, 0, fmt.Errorf("%w: hop count: %w", ErrEncoding, err)
	}

	// Every address takes at least two bytes, reject counts the buffer can't hold before allocating.
	if count > uint64(len(b)-off)/2 {
		return Route{}, 0, fmt.Errorf("%w: hop count %d exceeds buffer", ErrEncoding, count)
	}

	r := Route{hops: make([]Address, 0, count)}

	for range count {
		a, n, err := decodeAddress(b[off:])
		if err != nil {
			return Route{}, 0, err
		}
		r.hops = append(r.hops, a)
		off += n
	}

	return r, off, nil
}

func (r *Route) UnmarshalBinary(b []byte) error {
	dec, n, err := DecodeRoute(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: %d trailing bytes", ErrEncoding, len(b)-n)
	}
	*r = dec
	return nil
}

func (r Route) MarshalBSONValue() (bsontype.Type, []byte, error) {
	return bson.MarshalValue(r.AppendBinary(nil))
}

func (r *Route) UnmarshalBSONValue(t bsontype.Type, data []byte) error {
	var b []byte

	if err := bson.UnmarshalValue(t, data, &b); err != nil {
		return err
	}

	return r.UnmarshalBinary(b)
}

// RouteBuilder builds routes incrementally, see Route.Modify.
type RouteBuilder struct {
	hops []Address
}

func NewRouteBuilder() *RouteBuilder {
	return &RouteBuilder{}
}

func (rb *RouteBuilder) Append(a Address) *RouteBuilder {
	rb.hops = append(rb.hops, a)
	return rb
}

func (rb *RouteBuilder) AppendRoute(r Route) *RouteBuilder {
	rb.hops = append(rb.hops, r.hops...)
	return rb
}

func (rb *RouteBuilder) Prepend(a Address) *RouteBuilder {
	rb.hops = slices.Insert(rb.hops, 0, a)
	return rb
}

func (rb *RouteBuilder) PrependRoute(r Route) *RouteBuilder {
	rb.hops = slices.Insert(rb.hops, 0, r.hops...)
	return rb
}

// Replace swaps out the front hop, or adds one to an empty route.
func (rb *RouteBuilder) Replace(a Address) *RouteBuilder {
	if len(rb.hops) == 0 {
		rb.hops = append(rb.hops, a)
	} else {
		rb.hops[0] = a
	}
	return rb
}

func (rb *RouteBuilder) PopFront() *RouteBuilder {
	if len(rb.hops) > 0 {
		rb.hops = rb.hops[1:]
	}
	return rb
}

func (rb *RouteBuilder) PopBack() *RouteBuilder {
	if len(rb.hops) > 0 {
		rb.hops = rb.hops[:len(rb.hops)-1]
	}
	return rb
}

func (rb *RouteBuilder) Build() Route {
	return Route{hops: slices.Clone(rb.hops)}
}
