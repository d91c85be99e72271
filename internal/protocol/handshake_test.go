package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serrors "github.com/anstrom/serverseeker/internal/errors"
)

const statusJSON = `{"version":{"name":"1.18.2","protocol":758},"description":"Hello","players":{"online":3,"max":10}}`

// fakeServer accepts connections and hands the n-th one to handlers[n],
// reusing the last handler once the list is exhausted.
type fakeServer struct {
	ln       net.Listener
	accepted atomic.Int32
}

func startFakeServer(t *testing.T, handlers ...func(net.Conn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			n := int(s.accepted.Add(1)) - 1
			h := handlers[min(n, len(handlers)-1)]
			go func() {
				defer conn.Close()
				h(conn)
			}()
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) port() uint16 {
	return uint16(s.ln.Addr().(*net.TCPAddr).Port)
}

func (s *fakeServer) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", s.ln.Addr().String())
}

// readModernRequest consumes the handshake and status request packets.
func readModernRequest(t *testing.T, r *bufio.Reader) (version int32, host string, port uint16) {
	t.Helper()
	hs, err := ReadPacket(r, DefaultMaxPacketSize)
	if err != nil {
		return 0, "", 0
	}
	data := hs.Data
	br := bytes.NewReader(data)
	version, _ = ReadVarInt(br)
	data = data[len(data)-br.Len():]
	host, data, _ = ReadString(data)
	if len(data) >= 3 {
		port = binary.BigEndian.Uint16(data[:2])
	}
	_, _ = ReadPacket(r, DefaultMaxPacketSize)
	return version, host, port
}

func writeStatus(conn net.Conn, body string) {
	_, _ = conn.Write(EncodePacket(0x00, AppendString(nil, body)))
}

func legacyReply(text string) []byte {
	units := utf16.Encode([]rune(text))
	buf := []byte{LegacyKickPacketID, byte(len(units) >> 8), byte(len(units))}
	for _, u := range units {
		buf = append(buf, byte(u>>8), byte(u))
	}
	return buf
}

type handshakeRequest struct {
	version int32
	host    string
	port    uint16
}

func TestQueryModern(t *testing.T) {
	requests := make(chan handshakeRequest, 1)
	srv := startFakeServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		version, host, port := readModernRequest(t, r)
		requests <- handshakeRequest{version: version, host: host, port: port}
		writeStatus(conn, statusJSON)
		pkt, err := ReadPacket(r, 16)
		if err == nil {
			_, _ = conn.Write(EncodePacket(pkt.ID, pkt.Data))
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	h := NewHandshaker()
	h.Ping = true
	resp, err := h.Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	require.NoError(t, err)

	assert.Equal(t, VariantModern, resp.Variant)
	assert.JSONEq(t, statusJSON, string(resp.Payload))
	assert.NoError(t, resp.PingErr)
	assert.Positive(t, resp.Latency)

	got := <-requests
	assert.Equal(t, int32(DefaultProtocolVersion), got.version)
	assert.Equal(t, "127.0.0.1", got.host)
	assert.Equal(t, srv.port(), got.port)
	assert.Equal(t, int32(1), srv.accepted.Load())
}

func TestQueryPingFailureKeepsStatus(t *testing.T) {
	srv := startFakeServer(t, func(conn net.Conn) {
		readModernRequest(t, bufio.NewReader(conn))
		writeStatus(conn, statusJSON)
		// close without answering the ping
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	h := NewHandshaker()
	h.Ping = true
	resp, err := h.Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	require.NoError(t, err)
	assert.Equal(t, VariantModern, resp.Variant)
	assert.Error(t, resp.PingErr)
	assert.Zero(t, resp.Ping)
}

func TestQueryFallsBackOnLegacyKick(t *testing.T) {
	const legacyText = "§1\x0061\x001.5.2\x00Old Server\x005\x0020"
	legacyRequests := make(chan []byte, 1)

	srv := startFakeServer(t,
		func(conn net.Conn) {
			readModernRequest(t, bufio.NewReader(conn))
			_, _ = conn.Write(legacyReply("Protocol error"))
		},
		func(conn net.Conn) {
			buf := make([]byte, len(LegacyRequest))
			_, _ = io.ReadFull(conn, buf)
			legacyRequests <- buf
			_, _ = conn.Write(legacyReply(legacyText))
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	resp, err := NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	require.NoError(t, err)
	assert.Equal(t, VariantLegacy, resp.Variant)
	assert.Equal(t, legacyText, string(resp.Payload))
	assert.Equal(t, LegacyRequest, <-legacyRequests)
	assert.Equal(t, int32(2), srv.accepted.Load())
}

func TestQueryFallsBackWhenClosedBeforeReply(t *testing.T) {
	srv := startFakeServer(t,
		func(conn net.Conn) {
			readModernRequest(t, bufio.NewReader(conn))
		},
		func(conn net.Conn) {
			_, _ = io.ReadFull(conn, make([]byte, len(LegacyRequest)))
			_, _ = conn.Write(legacyReply("A Server§3§12"))
		},
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	resp, err := NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	require.NoError(t, err)
	assert.Equal(t, VariantLegacy, resp.Variant)
	assert.Equal(t, "A Server§3§12", string(resp.Payload))
}

func TestQueryWithoutRedialReportsProtocolError(t *testing.T) {
	srv := startFakeServer(t, func(conn net.Conn) {
		readModernRequest(t, bufio.NewReader(conn))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	_, err = NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), nil)
	require.Error(t, err)
	assert.True(t, serrors.IsCode(err, serrors.CodeHandshakeFailed), "got %v", err)
}

func TestQuerySilentPeerTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := startFakeServer(t, func(conn net.Conn) {
		<-release
	})

	const budget = 300 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	start := time.Now()
	_, err = NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, serrors.IsCode(err, serrors.CodeTimeout), "got %v", err)
	assert.Less(t, elapsed, budget+500*time.Millisecond)
}

func TestQueryMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		reply []byte
	}{
		{"endless varint", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80}},
		{"oversized length", AppendVarInt(nil, DefaultMaxPacketSize+1)},
		{"truncated body", []byte{0x64, 0x00, 0x01, 0x02}},
		{"wrong packet id", EncodePacket(0x05, AppendString(nil, "{}"))},
		{"string past packet end", EncodePacket(0x00, []byte{0x7f, '{', '}'})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := startFakeServer(t, func(conn net.Conn) {
				readModernRequest(t, bufio.NewReader(conn))
				_, _ = conn.Write(tt.reply)
			})

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			conn, err := srv.dial(ctx)
			require.NoError(t, err)

			_, err = NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
			require.Error(t, err)
			assert.True(t, serrors.IsCode(err, serrors.CodeHandshakeFailed), "got %v", err)
			assert.Equal(t, int32(1), srv.accepted.Load(), "malformed modern frames must not trigger fallback")
		})
	}
}

func TestQueryCanceled(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	srv := startFakeServer(t, func(conn net.Conn) {
		<-release
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := srv.dial(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = NewHandshaker().Query(ctx, conn, "127.0.0.1", srv.port(), srv.dial)
	require.Error(t, err)
	assert.True(t, serrors.IsCode(err, serrors.CodeCanceled), "got %v", err)
}

func TestIsLegacyKick(t *testing.T) {
	modern := EncodePacket(0x00, AppendString(nil, string(make([]byte, 252))))
	require.Equal(t, byte(0xff), modern[0], "test frame must start with 0xff")

	assert.False(t, isLegacyKick(modern[:4]))
	assert.True(t, isLegacyKick(legacyReply("§1")[:4]))
	assert.True(t, isLegacyKick(legacyReply("Protocol error")[:4]))
	assert.False(t, isLegacyKick([]byte{0xff, 0x00}))
}
