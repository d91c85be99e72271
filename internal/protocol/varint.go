// Package protocol implements the client side of the Minecraft server list
// ping: the modern length-prefixed status exchange, the legacy 0xFE query
// and the probing state machine that picks between them.
package protocol

import (
	"errors"
	"io"
)

// MaxVarIntBytes is the widest encoding of a 32-bit varint.
const MaxVarIntBytes = 5

const (
	segmentBits  = 0x7F
	continueBit  = 0x80
	stringMaxLen = 32767 * 4
)

// ErrVarIntTooBig is returned when a varint keeps its continuation bit set
// past MaxVarIntBytes.
var ErrVarIntTooBig = errors.New("varint is too big")

// ReadVarInt decodes a 7-bits-per-byte varint. It reads at most
// MaxVarIntBytes bytes from r.
func ReadVarInt(r io.ByteReader) (int32, error) {
	var value uint32
	for i := 0; i < MaxVarIntBytes; i++ {
		b, err := r.ReadByte()
		if err != nil {
			if i > 0 && errors.Is(err, io.EOF) {
				return 0, io.ErrUnexpectedEOF
			}
			return 0, err
		}
		value |= uint32(b&segmentBits) << (7 * i)
		if b&continueBit == 0 {
			return int32(value), nil
		}
	}
	return 0, ErrVarIntTooBig
}

// AppendVarInt appends the varint encoding of v to dst.
func AppendVarInt(dst []byte, v int32) []byte {
	u := uint32(v)
	for u&^segmentBits != 0 {
		dst = append(dst, byte(u&segmentBits)|continueBit)
		u >>= 7
	}
	return append(dst, byte(u))
}

// VarIntSize returns the number of bytes AppendVarInt would write for v.
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u&^segmentBits != 0 {
		u >>= 7
		n++
	}
	return n
}

// AppendString appends a varint-length-prefixed UTF-8 string.
func AppendString(dst []byte, s string) []byte {
	dst = AppendVarInt(dst, int32(len(s)))
	return append(dst, s...)
}

// AppendUint16 appends v in network byte order.
func AppendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v>>8), byte(v))
}
