package securechannel

import (
	"fmt"

	"github.com/edup2p/meshwire/types/key"
	"go.mongodb.org/mongo-driver/bson"
)

type messageType byte

const (
	// initiator -> responder, initiator ephemeral key
	msgKeyExchange1 messageType = iota + 1
	// responder -> initiator, responder ephemeral key + sealed responder proof
	msgKeyExchange2
	// initiator -> responder, sealed initiator proof
	msgProof
	// responder -> initiator, sealed trust decision
	msgFinish
	// either way, channel data
	msgData
)

func (t messageType) String() string {
	switch t {
	case msgKeyExchange1:
		return "KE1"
	case msgKeyExchange2:
		return "KE2"
	case msgProof:
		return "Proof"
	case msgFinish:
		return "Finish"
	case msgData:
		return "Data"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

func splitMessage(b []byte) (messageType, []byte, error) {
	if len(b) == 0 {
		return 0, nil, ErrMalformed
	}
	return messageType(b[0]), b[1:], nil
}

func withType(t messageType, parts ...[]byte) []byte {
	n := 1
	for _, p := range parts {
		n += len(p)
	}

	out := make([]byte, 0, n)
	out = append(out, byte(t))
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}

func readEphemeral(b []byte) (key.ExchangePublic, []byte, error) {
	if len(b) < key.Len {
		return key.ExchangePublic{}, nil, fmt.Errorf("%w: short ephemeral key", ErrMalformed)
	}

	return key.ExchangePublic(b[:key.Len]), b[key.Len:], nil
}

// identityProof is what each side sends, sealed, to prove who it is.
type identityProof struct {
	Identifier key.Identifier `bson:"identifier"`
	Signature  []byte         `bson:"signature"`
	Credential []byte         `bson:"credential,omitempty"`
}

func (p *identityProof) marshal() ([]byte, error) {
	return bson.Marshal(p)
}

func parseIdentityProof(b []byte) (*identityProof, error) {
	p := new(identityProof)
	if err := bson.Unmarshal(b, p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return p, nil
}

const (
	finishReject byte = 0
	finishAccept byte = 1
)
