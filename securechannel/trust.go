package securechannel

import (
	"log/slog"
	"slices"
	"time"

	"github.com/edup2p/meshwire/types/key"
)

// TrustPolicy decides whether a proven peer identity may complete a handshake.
//
// credential is the peer's presented credential, nil if it presented none.
type TrustPolicy interface {
	Evaluate(peer key.Identifier, credential []byte) bool
}

// TrustPolicyFunc adapts a plain function to TrustPolicy.
type TrustPolicyFunc func(peer key.Identifier, credential []byte) bool

func (f TrustPolicyFunc) Evaluate(peer key.Identifier, credential []byte) bool {
	return f(peer, credential)
}

type trustEveryone struct{}

func (trustEveryone) Evaluate(key.Identifier, []byte) bool { return true }

// TrustEveryone accepts any peer that proves possession of its identity key.
var TrustEveryone TrustPolicy = trustEveryone{}

// TrustIdentifiers accepts only the listed peers.
func TrustIdentifiers(ids ...key.Identifier) TrustPolicy {
	ids = slices.Clone(ids)

	return TrustPolicyFunc(func(peer key.Identifier, _ []byte) bool {
		return slices.Contains(ids, peer)
	})
}

// TrustAuthority accepts peers presenting a valid, unexpired credential that authority issued to them.
type TrustAuthority struct {
	Authority key.Identifier

	// Now is used for expiry checks, time.Now if nil.
	Now func() time.Time
}

func (t TrustAuthority) Evaluate(peer key.Identifier, credential []byte) bool {
	if credential == nil {
		return false
	}

	now := time.Now
	if t.Now != nil {
		now = t.Now
	}

	c, err := key.ParseCredential(credential, now())
	if err != nil {
		slog.Debug("peer credential rejected", "peer", peer, "err", err)
		return false
	}

	return c.Issuer == t.Authority && c.Subject == peer
}

// TrustAll accepts a peer only if every policy does.
func TrustAll(policies ...TrustPolicy) TrustPolicy {
	return TrustPolicyFunc(func(peer key.Identifier, credential []byte) bool {
		for _, p := range policies {
			if !p.Evaluate(peer, credential) {
				return false
			}
		}
		return true
	})
}
