package bin

import (
	"bufio"
	"encoding/binary"
	"errors"
)

var ErrTruncated = errors.New("bin: truncated buffer")

// WriteUint32 writes an uint32 in big-endian order to the writer
func WriteUint32(writer *bufio.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	// Writing a byte at a time is a bit silly,
	// but it causes b not to escape,
	// which more than pays for the silliness.
	for _, c := range &b {
		err := writer.WriteByte(c)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReadUint32 reads an uint32 in big-endian order to the reader
func ReadUint32(reader *bufio.Reader) (uint32, error) {
	var b [4]byte
	// Reading a byte at a time is a bit silly,
	// but it causes b not to escape,
	// which more than pays for the silliness.
	for i := range &b {
		c, err := reader.ReadByte()
		if err != nil {
			return 0, err
		}
		b[i] = c
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// AppendUvarint appends v as a variable-length unsigned integer.
func AppendUvarint(b []byte, v uint64) []byte {
	return binary.AppendUvarint(b, v)
}

// ReadUvarint reads a variable-length unsigned integer from the start of b,
// returning the value and the amount of bytes consumed.
func ReadUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, ErrTruncated
	}
	return v, n, nil
}

// ReadBytes reads a varint-prefixed byte string from the start of b.
func ReadBytes(b []byte) ([]byte, int, error) {
	l, n, err := ReadUvarint(b)
	if err != nil {
		return nil, 0, err
	}

	if uint64(len(b)-n) < l {
		return nil, 0, ErrTruncated
	}

	end := n + int(l)

	return b[n:end], end, nil
}

// AppendBytes appends v with a varint length prefix.
func AppendBytes(b []byte, v []byte) []byte {
	b = AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}
