// Package access contains the incoming and outgoing access control predicates that guard mailboxes.
package access

import (
	"slices"

	"github.com/edup2p/meshwire/types/flowcontrol"
	"github.com/edup2p/meshwire/types/routing"
)

// Control decides whether a message may pass a mailbox boundary.
//
// As an incoming control, it is evaluated before a message is put in a mailbox; as an outgoing control,
// before a worker's message leaves for its next hop.
type Control interface {
	IsAuthorized(msg *routing.RelayMessage) bool
}

// Func adapts a plain function to Control.
type Func func(msg *routing.RelayMessage) bool

func (f Func) IsAuthorized(msg *routing.RelayMessage) bool {
	return f(msg)
}

type allowAll struct{}

func (allowAll) IsAuthorized(*routing.RelayMessage) bool { return true }

type denyAll struct{}

func (denyAll) IsAuthorized(*routing.RelayMessage) bool { return false }

var (
	AllowAll Control = allowAll{}
	DenyAll  Control = denyAll{}
)

// AllowSourceAddress admits messages sent from a single address.
type AllowSourceAddress routing.Address

func (a AllowSourceAddress) IsAuthorized(msg *routing.RelayMessage) bool {
	return msg.Source == routing.Address(a)
}

// AllowSourceAddresses admits messages sent from any of the listed addresses.
type AllowSourceAddresses []routing.Address

func (a AllowSourceAddresses) IsAuthorized(msg *routing.RelayMessage) bool {
	return slices.Contains(a, msg.Source)
}

// AllowOnwardAddress admits messages whose next hop is this address.
type AllowOnwardAddress routing.Address

func (a AllowOnwardAddress) IsAuthorized(msg *routing.RelayMessage) bool {
	return msg.Destination == routing.Address(a)
}

// All admits a message only if every control does.
type All []Control

func (all All) IsAuthorized(msg *routing.RelayMessage) bool {
	for _, c := range all {
		if !c.IsAuthorized(msg) {
			return false
		}
	}
	return true
}

// FlowControlOutgoing lets a producer send only to consumers of its flow, or of the flow that spawned it.
type FlowControlOutgoing struct {
	FlowControls *flowcontrol.FlowControls
	ID           flowcontrol.ID
	Spawner      *flowcontrol.ID
}

func NewFlowControlOutgoing(fc *flowcontrol.FlowControls, id flowcontrol.ID, spawner *flowcontrol.ID) *FlowControlOutgoing {
	return &FlowControlOutgoing{FlowControls: fc, ID: id, Spawner: spawner}
}

func (f *FlowControlOutgoing) IsAuthorized(msg *routing.RelayMessage) bool {
	if f.FlowControls.IsConsumer(msg.Destination, f.ID) {
		return true
	}

	if f.Spawner != nil && f.FlowControls.IsConsumer(msg.Destination, *f.Spawner) {
		return true
	}

	return false
}

// FlowControlIncoming admits messages only when the sender is a registered consumer of the flow
// produced by the receiving worker, or that producer itself.
type FlowControlIncoming struct {
	FlowControls *flowcontrol.FlowControls
	ID           flowcontrol.ID
}

func (f *FlowControlIncoming) IsAuthorized(msg *routing.RelayMessage) bool {
	if id, ok := f.FlowControls.FindFlowControlID(msg.Source); ok && id == f.ID {
		return true
	}

	return f.FlowControls.IsConsumer(msg.Source, f.ID)
}

// Any admits a message if at least one control does.
type Any []Control

func (a Any) IsAuthorized(msg *routing.RelayMessage) bool {
	for _, c := range a {
		if c.IsAuthorized(msg) {
			return true
		}
	}
	return false
}
