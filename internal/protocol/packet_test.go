package protocol

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeAndReadPacket(t *testing.T) {
	frame := EncodePacket(0x00, AppendString(nil, `{"description":"hi"}`))

	pkt, err := ReadPacket(bufio.NewReader(bytes.NewReader(frame)), DefaultMaxPacketSize)
	require.NoError(t, err)
	assert.Equal(t, int32(0), pkt.ID)

	body, rest, err := ReadString(pkt.Data)
	require.NoError(t, err)
	assert.Equal(t, `{"description":"hi"}`, body)
	assert.Empty(t, rest)
}

func TestEmptyStatusRequestFrame(t *testing.T) {
	assert.Equal(t, []byte{0x01, 0x00}, EncodePacket(0x00, nil))
}

func TestReadPacketErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		maxSize int
		wantErr error
	}{
		{"zero length", []byte{0x00}, 16, ErrMalformedFrame},
		{"negative length", []byte{0xff, 0xff, 0xff, 0xff, 0x0f}, 16, ErrMalformedFrame},
		{"oversized", AppendVarInt(nil, 1024), 16, ErrMalformedFrame},
		{"truncated body", []byte{0x05, 0x00, 0x01}, 16, io.ErrUnexpectedEOF},
		{"overlong length", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, 16, ErrVarIntTooBig},
		{"overlong id", []byte{0x06, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}, 16, ErrMalformedFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadPacket(bufio.NewReader(bytes.NewReader(tt.input)), tt.maxSize)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReadStringRejectsLengthBeyondData(t *testing.T) {
	_, _, err := ReadString([]byte{0x10, 'a', 'b'})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}
