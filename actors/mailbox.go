package actors

import (
	"github.com/edup2p/meshwire/types/access"
	"github.com/edup2p/meshwire/types/routing"
)

// Mailbox is one address of a worker, together with the access controls guarding it.
type Mailbox struct {
	Address routing.Address

	// Incoming is checked before a message is put in this mailbox.
	Incoming access.Control
	// Outgoing is checked before a message sent from this address leaves for its next hop.
	Outgoing access.Control
}

func NewMailbox(addr routing.Address, in, out access.Control) Mailbox {
	return Mailbox{Address: addr, Incoming: in, Outgoing: out}
}

// AllowAllMailbox is a mailbox without restrictions in either direction.
func AllowAllMailbox(addr routing.Address) Mailbox {
	return NewMailbox(addr, access.AllowAll, access.AllowAll)
}

func (m Mailbox) incoming() access.Control {
	if m.Incoming == nil {
		return access.DenyAll
	}
	return m.Incoming
}

func (m Mailbox) outgoing() access.Control {
	if m.Outgoing == nil {
		return access.DenyAll
	}
	return m.Outgoing
}

// Mailboxes is the full set of addresses a single worker listens on.
type Mailboxes struct {
	Primary    Mailbox
	Additional []Mailbox
}

func Single(m Mailbox) Mailboxes {
	return Mailboxes{Primary: m}
}

func (m Mailboxes) Addresses() []routing.Address {
	ret := make([]routing.Address, 0, 1+len(m.Additional))

	ret = append(ret, m.Primary.Address)
	for _, a := range m.Additional {
		ret = append(ret, a.Address)
	}

	return ret
}

func (m Mailboxes) Find(addr routing.Address) (Mailbox, bool) {
	if m.Primary.Address == addr {
		return m.Primary, true
	}

	for _, a := range m.Additional {
		if a.Address == addr {
			return a, true
		}
	}

	return Mailbox{}, false
}
