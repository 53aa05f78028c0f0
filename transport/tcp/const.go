package tcp

import "time"

type ProtocolVersion byte

const (
	protocolV0 ProtocolVersion = 0
)

const (
	MaxMessageSize = 256 << 10

	KeepAliveInterval = 15 * time.Second
	// a peer silent for this long is considered gone
	ReadTimeout  = 3 * KeepAliveInterval
	WriteTimeout = 5 * time.Second

	DefaultConnectTimeout = 30 * time.Second
)
