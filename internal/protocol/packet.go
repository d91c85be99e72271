package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxPacketSize bounds a single framed packet. Status responses carry
// a base64 favicon and, on modded servers, long mod lists.
const DefaultMaxPacketSize = 1 << 20

// ErrMalformedFrame is returned for frames whose declared lengths are
// impossible or exceed the configured bounds.
var ErrMalformedFrame = errors.New("malformed frame")

// Packet is one decoded frame.
type Packet struct {
	ID   int32
	Data []byte
}

// EncodePacket frames payload as length | id | payload.
func EncodePacket(id int32, payload []byte) []byte {
	length := int32(VarIntSize(id) + len(payload))
	buf := make([]byte, 0, VarIntSize(length)+int(length))
	buf = AppendVarInt(buf, length)
	buf = AppendVarInt(buf, id)
	return append(buf, payload...)
}

// ReadPacket reads one frame. Lengths outside (0, maxSize] are rejected
// before any allocation.
func ReadPacket(r *bufio.Reader, maxSize int) (Packet, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return Packet{}, err
	}
	if length <= 0 || int(length) > maxSize {
		return Packet{}, fmt.Errorf("%w: packet length %d", ErrMalformedFrame, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}

	br := bytes.NewReader(body)
	id, err := ReadVarInt(br)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: packet id: %v", ErrMalformedFrame, err)
	}
	return Packet{ID: id, Data: body[len(body)-br.Len():]}, nil
}

// ReadString decodes a varint-length-prefixed string from the front of data
// and returns it along with the remaining bytes.
func ReadString(data []byte) (string, []byte, error) {
	br := bytes.NewReader(data)
	n, err := ReadVarInt(br)
	if err != nil {
		return "", nil, fmt.Errorf("%w: string length: %v", ErrMalformedFrame, err)
	}
	if n < 0 || int(n) > stringMaxLen || int(n) > br.Len() {
		return "", nil, fmt.Errorf("%w: string length %d with %d bytes left", ErrMalformedFrame, n, br.Len())
	}
	rest := data[len(data)-br.Len():]
	return string(rest[:n]), rest[n:], nil
}
