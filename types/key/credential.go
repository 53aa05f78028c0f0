package key

import (
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrCredentialSignature = errors.New("credential signature invalid")
	ErrCredentialExpired   = errors.New("credential expired")
)

// Credential is a statement by an issuer (an authority) about a subject identity,
// carried in a handshake's identity proof.
type Credential struct {
	Subject    Identifier        `bson:"subject"`
	Issuer     Identifier        `bson:"issuer"`
	ExpiresAt  int64             `bson:"expires_at"`
	Attributes map[string]string `bson:"attributes,omitempty"`
}

// SignedCredential is a Credential with the issuer's signature over its BSON encoding.
type SignedCredential struct {
	Data      []byte `bson:"data"`
	Signature []byte `bson:"signature"`
}

// IssueCredential has p vouch for subject until now+ttl.
func (p IdentityPrivate) IssueCredential(subject Identifier, ttl time.Duration, attrs map[string]string) ([]byte, error) {
	c := Credential{
		Subject:    subject,
		Issuer:     p.Public(),
		ExpiresAt:  time.Now().Add(ttl).Unix(),
		Attributes: attrs,
	}

	data, err := bson.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("could not marshal credential: %w", err)
	}

	return bson.Marshal(SignedCredential{
		Data:      data,
		Signature: p.Sign(data),
	})
}

// ParseCredential decodes a signed credential and checks its issuer signature and expiry.
//
// It does not check who the issuer is; that is up to the trust policy.
func ParseCredential(b []byte, now time.Time) (*Credential, error) {
	var sc SignedCredential
	if err := bson.Unmarshal(b, &sc); err != nil {
		return nil, fmt.Errorf("could not unmarshal signed credential: %w", err)
	}

	c := new(Credential)
	if err := bson.Unmarshal(sc.Data, c); err != nil {
		return nil, fmt.Errorf("could not unmarshal credential: %w", err)
	}

	if !c.Issuer.Verify(sc.Data, sc.Signature) {
		return nil, ErrCredentialSignature
	}

	if now.Unix() > c.ExpiresAt {
		return nil, ErrCredentialExpired
	}

	return c, nil
}
