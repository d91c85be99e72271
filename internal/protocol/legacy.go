package protocol

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"
)

const (
	// LegacyQueryByte opens a pre-1.7 server list ping.
	LegacyQueryByte = 0xFE
	// LegacyQueryPayload asks 1.4+ servers for the extended reply.
	LegacyQueryPayload = 0x01
	// LegacyKickPacketID prefixes every legacy reply.
	LegacyKickPacketID = 0xFF

	maxLegacyChars = 0x7FFF
)

// LegacyRequest is the complete legacy query.
var LegacyRequest = []byte{LegacyQueryByte, LegacyQueryPayload}

// readLegacyReply reads 0xFF | uint16 char count | UTF-16BE text and returns
// the text as UTF-8.
func readLegacyReply(r *bufio.Reader) ([]byte, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if id != LegacyKickPacketID {
		return nil, fmt.Errorf("%w: legacy reply starts with 0x%02x", ErrMalformedFrame, id)
	}

	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, truncated(err)
	}
	chars := binary.BigEndian.Uint16(header[:])
	if chars == 0 || chars > maxLegacyChars {
		return nil, fmt.Errorf("%w: legacy reply length %d", ErrMalformedFrame, chars)
	}

	raw := make([]byte, int(chars)*2)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, truncated(err)
	}

	units := make([]uint16, chars)
	for i := range units {
		units[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
	return []byte(string(utf16.Decode(units))), nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// isLegacyKick reports whether the first bytes of a reply to a modern
// handshake are a legacy kick packet rather than a modern frame.
//
// A legacy kick is 0xFF, a big-endian char count below 0x8000 and UTF-16BE
// text whose first code unit has a zero high byte. A modern frame starting
// with 0xFF and a second byte below 0x80 has a two byte length, so its third
// byte is packet id 0x00 and its fourth is the first byte of a non-empty
// string length, which is never zero.
func isLegacyKick(head []byte) bool {
	return len(head) >= 4 &&
		head[0] == LegacyKickPacketID &&
		head[1] < continueBit &&
		head[3] == 0x00
}
