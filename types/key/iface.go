package key

import (
	"encoding"
)

type key interface {
	IsZero() bool
}

type canTextMarshal interface {
	// We need text encoding for JSON and BSON (currently)

	encoding.TextMarshaler
	encoding.TextUnmarshaler
}

type publicKey interface {
	key

	Debug() string
}

type privateKey[Pub key] interface {
	key

	Public() Pub
}
