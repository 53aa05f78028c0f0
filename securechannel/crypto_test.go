package securechannel

import (
	"testing"

	"github.com/edup2p/meshwire/types/key"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayWindow(t *testing.T) {
	var w replayWindow

	for _, c := range []uint64{0, 1, 2, 5, 3} {
		require.True(t, w.check(c), "counter %d", c)
		w.mark(c)
	}

	assert.False(t, w.check(2), "already seen")
	assert.True(t, w.check(4), "gap within window")

	w.mark(100)
	assert.False(t, w.check(5), "fell out of window")
	assert.True(t, w.check(37))
	assert.False(t, w.check(36))
	assert.True(t, w.check(101))
}

func TestDerivedKeysAgree(t *testing.T) {
	i := key.NewExchange()
	r := key.NewExchange()

	si, err := i.Shared(r.Public())
	require.NoError(t, err)
	sr, err := r.Shared(i.Public())
	require.NoError(t, err)

	ki, err := deriveKeys(si, i.Public(), r.Public())
	require.NoError(t, err)
	kr, err := deriveKeys(sr, i.Public(), r.Public())
	require.NoError(t, err)

	assert.Equal(t, ki, kr)

	iSendProof, _, iSendData, iRecvData := ki.forRole(Initiator)
	_, rRecvProof, rSendData, rRecvData := kr.forRole(Responder)

	assert.Equal(t, iSendProof, rRecvProof)
	assert.Equal(t, iSendData, rRecvData)
	assert.Equal(t, iRecvData, rSendData)
	assert.NotEqual(t, iSendData, iRecvData)
}

func TestSealOpen(t *testing.T) {
	var k key.NakedKey
	k[0] = 1

	s, err := newSealer(k)
	require.NoError(t, err)
	o, err := newOpener(k)
	require.NoError(t, err)

	first := s.seal([]byte("hello"))
	second := s.seal([]byte("hello"))
	assert.NotEqual(t, first, second, "same plaintext, different counter")

	pt, err := o.open(second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	pt, err = o.open(first)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), pt)

	_, err = o.open(first)
	assert.ErrorIs(t, err, ErrReplay)

	third := s.seal([]byte("hello"))
	third[len(third)-1] ^= 0xff
	_, err = o.open(third)
	assert.ErrorIs(t, err, ErrHandshakeCrypto)

	_, err = o.open([]byte{1, 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestHandshakeSealBoundToTranscript(t *testing.T) {
	var k key.NakedKey
	k[1] = 2

	b, err := seal(k, 0, []byte("proof"), []byte("transcript a"))
	require.NoError(t, err)

	_, err = open(k, 0, b, []byte("transcript b"))
	assert.ErrorIs(t, err, ErrHandshakeCrypto)

	_, err = open(k, 1, b, []byte("transcript a"))
	assert.ErrorIs(t, err, ErrHandshakeCrypto)

	pt, err := open(k, 0, b, []byte("transcript a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("proof"), pt)
}
