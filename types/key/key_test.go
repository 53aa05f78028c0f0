package key

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestIdentifierText(t *testing.T) {
	id := NewIdentity().Public()

	text, err := id.MarshalText()
	require.NoError(t, err)
	assert.Contains(t, string(text), identifierHexPrefix)

	parsed, err := ParseIdentifier(string(text))
	require.NoError(t, err)
	assert.Equal(t, id, *parsed)

	_, err = ParseIdentifier("nope:00")
	assert.Error(t, err)
}

func TestIdentitySign(t *testing.T) {
	priv := NewIdentity()
	msg := []byte("transcript")

	sig := priv.Sign(msg)

	assert.True(t, priv.Public().Verify(msg, sig))
	assert.False(t, NewIdentity().Public().Verify(msg, sig))
	assert.False(t, priv.Public().Verify([]byte("other"), sig))
}

func TestExchangeShared(t *testing.T) {
	a := NewExchange()
	b := NewExchange()

	ab, err := a.Shared(b.Public())
	require.NoError(t, err)
	ba, err := b.Shared(a.Public())
	require.NoError(t, err)

	assert.Equal(t, ab, ba)

	_, err = a.Shared(ExchangePublic{})
	assert.Error(t, err)

	ab.Wipe()
	assert.True(t, ab.IsZero())
	assert.False(t, ba.IsZero())
}

func TestIdentifierBSON(t *testing.T) {
	type doc struct {
		ID Identifier `bson:"id"`
	}

	in := doc{ID: NewIdentity().Public()}

	b, err := bson.Marshal(in)
	require.NoError(t, err)

	var out doc
	require.NoError(t, bson.Unmarshal(b, &out))
	assert.Equal(t, in, out)
}

func TestCredential(t *testing.T) {
	authority := NewIdentity()
	subject := NewIdentity().Public()

	b, err := authority.IssueCredential(subject, time.Hour, map[string]string{"role": "relay"})
	require.NoError(t, err)

	c, err := ParseCredential(b, time.Now())
	require.NoError(t, err)
	assert.Equal(t, subject, c.Subject)
	assert.Equal(t, authority.Public(), c.Issuer)
	assert.Equal(t, "relay", c.Attributes["role"])

	_, err = ParseCredential(b, time.Now().Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrCredentialExpired)
}
