package key

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"go4.org/mem"
)

// Identifier is the public half of a long-term identity; an ed25519 public key.
type Identifier NakedKey

func (i Identifier) Debug() string {
	return fmt.Sprintf("%x", i[:8])
}

func (i Identifier) HexString() string {
	return hex.EncodeToString(i[:])
}

func (i Identifier) IsZero() bool {
	return i == Identifier{}
}

func (i Identifier) String() string {
	b, _ := i.MarshalText()
	return string(b)
}

// Verify reports whether sig is a valid signature of msg by this identity.
func (i Identifier) Verify(msg, sig []byte) bool {
	if i.IsZero() || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(i[:], msg, sig)
}

// AppendText implements encoding.TextAppender. It appends a typed prefix
// followed by hex encoded represtation of i to b.
func (i Identifier) AppendText(b []byte) ([]byte, error) {
	return appendHexKey(b, identifierHexPrefix, i[:]), nil
}

// MarshalText implements encoding.TextMarshaler.
func (i Identifier) MarshalText() ([]byte, error) {
	return i.AppendText(nil)
}

// UnmarshalText implements encoding.TextUnmarshaler. It expects a typed prefix
// followed by a hex encoded representation of i.
func (i *Identifier) UnmarshalText(b []byte) error {
	return parseHex(i[:], mem.B(b), mem.S(identifierHexPrefix))
}

// ParseIdentifier parses "ident:<hex>" text, with or without JSON quotes.
func ParseIdentifier(s string) (*Identifier, error) {
	if !strings.HasSuffix(s, "\"") && !strings.HasPrefix(s, "\"") {
		s = fmt.Sprintf("\"%s\"", s)
	}

	id := new(Identifier)

	if err := json.Unmarshal([]byte(s), id); err != nil {
		return nil, err
	}

	return id, nil
}
