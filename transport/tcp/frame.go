package tcp

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/edup2p/meshwire/types/bin"
	"github.com/edup2p/meshwire/types/routing"
)

var ErrMessageLengthExceeded = errors.New("message length exceeded")

// A frame is a uint32 big-endian length followed by that many bytes of BSON encoded routing.LocalMessage.
//
// A zero length frame is a keepalive; an encoded LocalMessage is never empty.
const frameHeaderLen = 4

func writeFrameHeader(bw *bufio.Writer, frameLen uint32) error {
	return bin.WriteUint32(bw, frameLen)
}

// writeMessage writes a full message frame, and flushes it.
func writeMessage(bw *bufio.Writer, lm routing.LocalMessage) error {
	b, err := lm.MarshalBinary()
	if err != nil {
		return err
	}

	if len(b) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageLengthExceeded, len(b))
	}

	if err = writeFrameHeader(bw, uint32(len(b))); err != nil {
		return err
	}

	if _, err = bw.Write(b); err != nil {
		return err
	}

	return bw.Flush()
}

func writeKeepAlive(bw *bufio.Writer) error {
	if err := writeFrameHeader(bw, 0); err != nil {
		return err
	}
	return bw.Flush()
}

// readFrame reads the next frame, returning nil for a keepalive.
func readFrame(reader *bufio.Reader) (*routing.LocalMessage, error) {
	frameLen, err := bin.ReadUint32(reader)
	if err != nil {
		return nil, err
	}

	if frameLen == 0 {
		return nil, nil
	}

	if frameLen > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMessageLengthExceeded, frameLen)
	}

	buf := make([]byte, frameLen)
	if _, err = io.ReadFull(reader, buf); err != nil {
		return nil, err
	}

	lm, err := routing.DecodeLocalMessage(buf)
	if err != nil {
		return nil, err
	}

	return &lm, nil
}

func writeVersion(bw *bufio.Writer) error {
	if err := bw.WriteByte(byte(protocolV0)); err != nil {
		return err
	}
	return bw.Flush()
}

func readVersion(reader *bufio.Reader) error {
	b, err := reader.ReadByte()
	if err != nil {
		return err
	}

	if ProtocolVersion(b) != protocolV0 {
		return fmt.Errorf("unsupported protocol version, expected v0, got %d", b)
	}

	return nil
}
