// Package relay lets a node be reached through another one; a remote node runs a Service that hands out
// forwarding addresses, and the local node keeps a RemoteRelay worker registered with it.
package relay

import (
	"errors"
	"time"

	"github.com/edup2p/meshwire/types/routing"
)

// DefaultServiceAddress is where nodes run their relay Service.
var DefaultServiceAddress = routing.Local("forwarding_service")

const (
	forwarderPrefix = "forward_to_"

	DefaultHeartbeatInterval   = 5 * time.Second
	DefaultRegistrationTimeout = 10 * time.Second
)

var (
	ErrRegistration = errors.New("relay registration failed")
	ErrAliasInUse   = errors.New("relay alias taken by another worker")
)

type registerRequest struct {
	Alias string `bson:"alias,omitempty"`
}

type registerResponse struct {
	RemoteAddress string `bson:"remote_address"`
}

// ForwarderAddress is the address a Service uses for a forwarder registered under alias.
func ForwarderAddress(alias string) routing.Address {
	return routing.Local(forwarderPrefix + alias)
}
