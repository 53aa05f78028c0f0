package routing

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// LocalMessage is a message as it travels between workers; where it goes next,
// how to reply to it, and the opaque application payload.
type LocalMessage struct {
	Onward  Route  `bson:"onward"`
	Return  Route  `bson:"return"`
	Payload []byte `bson:"payload"`
}

func NewLocalMessage(onward, ret Route, payload []byte) LocalMessage {
	return LocalMessage{Onward: onward, Return: ret, Payload: payload}
}

// PopFrontOnward removes the front onward hop, usually the address of the worker handling the message.
func (m LocalMessage) PopFrontOnward() (LocalMessage, error) {
	if _, err := m.Onward.Step(); err != nil {
		return m, err
	}
	return m, nil
}

// ReplaceFrontOnward swaps the front onward hop for a.
func (m LocalMessage) ReplaceFrontOnward(a Address) (LocalMessage, error) {
	if m.Onward.IsEmpty() {
		return m, ErrIncompleteRoute
	}
	m.Onward = m.Onward.Modify().Replace(a).Build()
	return m, nil
}

// PushFrontReturn adds a to the front of the return route, so replies pass through it.
func (m LocalMessage) PushFrontReturn(a Address) LocalMessage {
	m.Return = m.Return.Modify().Prepend(a).Build()
	return m
}

// MarshalBinary encodes the message as a self-describing BSON document.
func (m LocalMessage) MarshalBinary() ([]byte, error) {
	b, err := bson.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return b, nil
}

func DecodeLocalMessage(b []byte) (LocalMessage, error) {
	var m LocalMessage
	if err := bson.Unmarshal(b, &m); err != nil {
		return LocalMessage{}, fmt.Errorf("%w: %w", ErrEncoding, err)
	}
	return m, nil
}

// RelayMessage is a LocalMessage in flight between two mailboxes, as seen by access control.
type RelayMessage struct {
	Source      Address
	Destination Address
	Local       LocalMessage
}

func (m *RelayMessage) Payload() []byte {
	return m.Local.Payload
}

// ReturnRoute is the route a reply to this message should take.
func (m *RelayMessage) ReturnRoute() Route {
	return m.Local.Return
}

func (m *RelayMessage) OnwardRoute() Route {
	return m.Local.Onward
}
