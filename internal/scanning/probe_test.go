package scanning

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/serverseeker/internal/protocol"
)

// statusServer answers every connection with handler.
func statusServer(t *testing.T, handler func(net.Conn)) ScanTarget {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				handler(conn)
			}()
		}
	}()

	ap := netip.MustParseAddrPort(ln.Addr().String())
	return NewScanTarget(ap.Addr(), ap.Port())
}

func replyWith(body string) func(net.Conn) {
	return func(conn net.Conn) {
		r := bufio.NewReader(conn)
		if _, err := protocol.ReadPacket(r, protocol.DefaultMaxPacketSize); err != nil {
			return
		}
		if _, err := protocol.ReadPacket(r, protocol.DefaultMaxPacketSize); err != nil {
			return
		}
		_, _ = conn.Write(protocol.EncodePacket(0x00, protocol.AppendString(nil, body)))
	}
}

func TestProbeEndToEndSuccess(t *testing.T) {
	target := statusServer(t, replyWith(`{"version":{"protocol":758},"description":"Hello","players":{"online":3,"max":10}}`))

	prober := NewProber(nil)
	now := time.Now()
	outcome := prober.Probe(context.Background(), NewAttempt(target, now, 2*time.Second))

	require.Equal(t, OutcomeSuccess, outcome.Kind, "err: %v", outcome.Err)
	require.NotNil(t, outcome.Status)
	assert.Equal(t, int32(758), outcome.Status.ProtocolVersion)
	assert.Equal(t, "Hello", outcome.Status.MOTD)

	record := NewServerRecord(target, outcome, now)
	assert.Equal(t, OutcomeSuccess, record.Outcome)
	assert.Equal(t, target, record.Target)
	require.NotNil(t, record.Status.Players)
	assert.Equal(t, 3, record.Status.Players.Online)
	assert.Equal(t, 10, record.Status.Players.Max)
	assert.Equal(t, now, record.ObservedAt)
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ap := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	outcome := NewProber(nil).Probe(context.Background(),
		NewAttempt(NewScanTarget(ap.Addr(), ap.Port()), time.Now(), 2*time.Second))
	assert.Equal(t, OutcomeConnectionRefused, outcome.Kind, "err: %v", outcome.Err)
}

func TestProbeSilentPeerResolvesAtDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	target := statusServer(t, func(net.Conn) { <-release })

	const timeout = 250 * time.Millisecond
	start := time.Now()
	outcome := NewProber(nil).Probe(context.Background(), NewAttempt(target, start, timeout))

	assert.Equal(t, OutcomeTimeout, outcome.Kind, "err: %v", outcome.Err)
	assert.Less(t, time.Since(start), timeout+500*time.Millisecond)
}

func TestProbeDeadlineIsAbsolute(t *testing.T) {
	target := statusServer(t, replyWith(`{"version":{"protocol":47},"description":"late"}`))

	// The slot was granted long ago; the attempt has no time left.
	granted := time.Now().Add(-time.Minute)
	outcome := NewProber(nil).Probe(context.Background(), NewAttempt(target, granted, time.Second))
	assert.Equal(t, OutcomeTimeout, outcome.Kind, "err: %v", outcome.Err)
}

func TestProbeDecodeFailureIsProtocolError(t *testing.T) {
	target := statusServer(t, replyWith(`{"version":{"protocol":47}}`))

	outcome := NewProber(nil).Probe(context.Background(), NewAttempt(target, time.Now(), 2*time.Second))
	assert.Equal(t, OutcomeProtocolError, outcome.Kind)
	assert.Equal(t, StageDecode, outcome.Stage)
	assert.NotEmpty(t, outcome.Reason)
	assert.NotEmpty(t, outcome.Raw)
}

func TestProbeHandshakeFailureIsProtocolError(t *testing.T) {
	target := statusServer(t, func(conn net.Conn) {
		r := bufio.NewReader(conn)
		_, _ = protocol.ReadPacket(r, protocol.DefaultMaxPacketSize)
		_, _ = protocol.ReadPacket(r, protocol.DefaultMaxPacketSize)
		_, _ = conn.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n"))
	})

	outcome := NewProber(nil).Probe(context.Background(), NewAttempt(target, time.Now(), 2*time.Second))
	assert.Equal(t, OutcomeProtocolError, outcome.Kind, "err: %v", outcome.Err)
	assert.Equal(t, StageHandshake, outcome.Stage)
}

func TestProbeCanceled(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	target := statusServer(t, func(net.Conn) { <-release })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	outcome := NewProber(nil).Probe(ctx, NewAttempt(target, time.Now(), 5*time.Second))
	assert.Equal(t, OutcomeCanceled, outcome.Kind, "err: %v", outcome.Err)
}

type failingDialer struct{ err error }

func (d failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	return nil, d.err
}

func TestProbeUnknownDialErrorIsUnreachable(t *testing.T) {
	prober := NewProber(nil)
	prober.Dialer = failingDialer{err: errors.New("cannot assign requested address")}

	target := NewScanTarget(netip.MustParseAddr("198.51.100.1"), DefaultPort)
	outcome := prober.Probe(context.Background(), NewAttempt(target, time.Now(), time.Second))
	assert.Equal(t, OutcomeNetworkUnreachable, outcome.Kind)
}

func TestOutcomeKindString(t *testing.T) {
	assert.Equal(t, "success", OutcomeSuccess.String())
	assert.Equal(t, "protocol_error", OutcomeProtocolError.String())
	assert.Equal(t, "unknown", OutcomeKind(99).String())
}
