package securechannel

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"hash"
	"io"

	"github.com/edup2p/meshwire/types"
	"github.com/edup2p/meshwire/types/key"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const protocolName = "meshwire_x25519_chachapoly_blake2b_v1"

var (
	initiatorTag = []byte("meshwire initiator proof")
	responderTag = []byte("meshwire responder proof")
)

// handshakeKeys is everything derived from the ephemeral exchange.
type handshakeKeys struct {
	// transcript binds the proofs to this exchange
	transcript [blake2b.Size256]byte

	initiatorProof key.NakedKey
	responderProof key.NakedKey

	initiatorData key.NakedKey
	responderData key.NakedKey
}

func newBlake2b() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(err)
	}
	return h
}

func transcriptHash(initiatorEph, responderEph key.ExchangePublic) [blake2b.Size256]byte {
	h := newBlake2b()
	h.Write([]byte(protocolName))
	h.Write(initiatorEph[:])
	h.Write(responderEph[:])

	var ret [blake2b.Size256]byte
	copy(ret[:], h.Sum(nil))
	return ret
}

func deriveKeys(shared key.NakedKey, initiatorEph, responderEph key.ExchangePublic) (*handshakeKeys, error) {
	k := &handshakeKeys{transcript: transcriptHash(initiatorEph, responderEph)}

	r := hkdf.New(newBlake2b, shared[:], k.transcript[:], []byte(protocolName))

	for _, out := range []*key.NakedKey{&k.initiatorProof, &k.responderProof, &k.initiatorData, &k.responderData} {
		if _, err := io.ReadFull(r, out[:]); err != nil {
			return nil, fmt.Errorf("could not derive keys: %w", err)
		}
	}

	return k, nil
}

func (k *handshakeKeys) wipe() {
	types.Wipe(k.transcript[:])
	for _, nk := range []*key.NakedKey{&k.initiatorProof, &k.responderProof, &k.initiatorData, &k.responderData} {
		nk.Wipe()
	}
}

// forRole returns the proof and data keys role sends with, followed by the ones it receives with.
func (k *handshakeKeys) forRole(r Role) (sendProof, recvProof, sendData, recvData key.NakedKey) {
	if r == Initiator {
		return k.initiatorProof, k.responderProof, k.initiatorData, k.responderData
	}
	return k.responderProof, k.initiatorProof, k.responderData, k.initiatorData
}

func proofTag(r Role) []byte {
	if r == Initiator {
		return initiatorTag
	}
	return responderTag
}

func nonceFor(counter uint64) []byte {
	n := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(n[4:], counter)
	return n
}

// seal encrypts a single handshake payload, bound to the transcript.
func seal(k key.NakedKey, counter uint64, plaintext, transcript []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, nonceFor(counter), plaintext, transcript), nil
}

func open(k key.NakedKey, counter uint64, ciphertext, transcript []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}

	pt, err := aead.Open(nil, nonceFor(counter), ciphertext, transcript)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	return pt, nil
}

const counterLen = 8

// sealer encrypts channel data, each message under the next counter value.
type sealer struct {
	aead    cipher.AEAD
	counter uint64
}

func newSealer(k key.NakedKey) (*sealer, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// seal returns counter || ciphertext.
func (s *sealer) seal(plaintext []byte) []byte {
	c := s.counter
	s.counter++

	out := make([]byte, counterLen, counterLen+len(plaintext)+s.aead.Overhead())
	binary.BigEndian.PutUint64(out, c)

	return s.aead.Seal(out, nonceFor(c), plaintext, nil)
}

// opener decrypts channel data, rejecting counters it has seen before or that fell out of its window.
type opener struct {
	aead   cipher.AEAD
	window replayWindow
}

func newOpener(k key.NakedKey) (*opener, error) {
	aead, err := chacha20poly1305.New(k[:])
	if err != nil {
		return nil, err
	}
	return &opener{aead: aead}, nil
}

func (o *opener) open(b []byte) ([]byte, error) {
	if len(b) < counterLen {
		return nil, ErrMalformed
	}

	c := binary.BigEndian.Uint64(b)

	if !o.window.check(c) {
		return nil, ErrReplay
	}

	pt, err := o.aead.Open(nil, nonceFor(c), b[counterLen:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshakeCrypto, err)
	}

	o.window.mark(c)

	return pt, nil
}

const replayWindowSize = 64

// replayWindow accepts every counter once, and nothing older than the window behind the highest seen.
type replayWindow struct {
	seen    bool
	highest uint64
	// bit i is set if highest-i was received
	bitmap uint64
}

func (w *replayWindow) check(c uint64) bool {
	if !w.seen || c > w.highest {
		return true
	}

	diff := w.highest - c
	if diff >= replayWindowSize {
		return false
	}

	return w.bitmap&(1<<diff) == 0
}

func (w *replayWindow) mark(c uint64) {
	if !w.seen {
		w.seen = true
		w.highest = c
		w.bitmap = 1
		return
	}

	if c > w.highest {
		shift := c - w.highest
		if shift >= replayWindowSize {
			w.bitmap = 0
		} else {
			w.bitmap <<= shift
		}
		w.bitmap |= 1
		w.highest = c
		return
	}

	w.bitmap |= 1 << (w.highest - c)
}
