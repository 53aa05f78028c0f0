package securechannel

import (
	"slices"
	"sync"

	"github.com/edup2p/meshwire/types/key"
)

// IdentityProvider proves the local identity during handshakes, and checks the peer's proof.
type IdentityProvider interface {
	Identifier() key.Identifier

	Sign(msg []byte) ([]byte, error)
	Verify(peer key.Identifier, sig, msg []byte) bool

	// CurrentCredential returns a credential to present to peers, if there is one.
	CurrentCredential() ([]byte, bool)
}

// LocalIdentity is an IdentityProvider holding its private key in memory.
type LocalIdentity struct {
	priv key.IdentityPrivate

	mu         sync.RWMutex
	credential []byte
}

func NewLocalIdentity(priv key.IdentityPrivate) *LocalIdentity {
	return &LocalIdentity{priv: priv}
}

func (l *LocalIdentity) Identifier() key.Identifier {
	return l.priv.Public()
}

func (l *LocalIdentity) Sign(msg []byte) ([]byte, error) {
	return l.priv.Sign(msg), nil
}

func (l *LocalIdentity) Verify(peer key.Identifier, sig, msg []byte) bool {
	return peer.Verify(msg, sig)
}

// SetCredential sets the credential presented in future handshakes, nil removes it.
func (l *LocalIdentity) SetCredential(c []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.credential = slices.Clone(c)
}

func (l *LocalIdentity) CurrentCredential() ([]byte, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.credential, l.credential != nil
}
