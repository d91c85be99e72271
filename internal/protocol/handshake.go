package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	serrors "github.com/anstrom/serverseeker/internal/errors"
)

const (
	// DefaultProtocolVersion is advertised in the handshake. Servers answer
	// status requests for any version, so this only affects what some
	// proxies report back.
	DefaultProtocolVersion = 47

	handshakePacketID = 0x00
	statusRequestID   = 0x00
	statusResponseID  = 0x00
	pingPacketID      = 0x01
	nextStateStatus   = 1

	signatureLength = 4
	maxPongSize     = 16
)

// Fallback signatures. A modern handshake that ends in one of these switches
// the exchange to the legacy query on a fresh connection.
var (
	// ErrLegacyKick: the first reply bytes form a legacy kick packet.
	ErrLegacyKick = errors.New("peer answered with a legacy kick packet")
	// ErrClosedBeforeReply: the peer closed cleanly without sending a byte.
	ErrClosedBeforeReply = errors.New("peer closed the connection before replying")
)

// Variant identifies the protocol generation that produced a payload.
type Variant int

const (
	VariantModern Variant = iota
	VariantLegacy
)

// String implements fmt.Stringer.
func (v Variant) String() string {
	switch v {
	case VariantModern:
		return "modern"
	case VariantLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Response is the raw result of a successful status exchange.
type Response struct {
	Variant Variant
	// Payload is the status JSON for VariantModern and the UTF-8 decoded
	// kick text for VariantLegacy.
	Payload []byte
	// Latency covers request write to complete response read.
	Latency time.Duration
	// Ping is the optional ping/pong round trip; zero when not measured.
	Ping time.Duration
	// PingErr records why the optional ping failed. It never invalidates
	// the status payload.
	PingErr error
}

// Redial opens a new connection to the same target. It is used for the
// legacy fallback because the modern handshake has already consumed the
// first connection.
type Redial func(ctx context.Context) (net.Conn, error)

// Handshaker speaks the status-query handshake.
type Handshaker struct {
	ProtocolVersion int32
	MaxPacketSize   int
	// Ping enables the ping/pong round trip after a modern status response.
	Ping bool
}

// NewHandshaker returns a Handshaker with default settings.
func NewHandshaker() *Handshaker {
	return &Handshaker{
		ProtocolVersion: DefaultProtocolVersion,
		MaxPacketSize:   DefaultMaxPacketSize,
	}
}

type handshakeState int

const (
	stateModern handshakeState = iota
	stateLegacy
)

// Query runs the probing state machine over conn: modern first, legacy on a
// fallback signature. Every read and write is bounded by ctx's deadline and
// aborted when ctx is cancelled. Query takes ownership of conn and of any
// connection it obtains through redial and closes them before returning.
//
// Errors are *errors.ScanError values coded as transport, CodeHandshakeFailed
// or CodeCanceled.
func (h *Handshaker) Query(ctx context.Context, conn net.Conn, host string, port uint16, redial Redial) (*Response, error) {
	state := stateModern
	for {
		switch state {
		case stateModern:
			resp, err := h.withConn(ctx, conn, func(c net.Conn) (*Response, error) {
				return h.modern(c, host, port)
			})
			if err == nil {
				return resp, nil
			}
			if !errors.Is(err, ErrLegacyKick) && !errors.Is(err, ErrClosedBeforeReply) {
				return nil, h.classify(ctx, err)
			}
			if redial == nil {
				return nil, h.classify(ctx, err)
			}
			next, derr := redial(ctx)
			if derr != nil {
				return nil, h.classify(ctx, derr)
			}
			conn = next
			state = stateLegacy

		case stateLegacy:
			resp, err := h.withConn(ctx, conn, h.legacy)
			if err != nil {
				return nil, h.classify(ctx, err)
			}
			return resp, nil
		}
	}
}

// QueryLegacy runs only the legacy exchange.
func (h *Handshaker) QueryLegacy(ctx context.Context, conn net.Conn) (*Response, error) {
	resp, err := h.withConn(ctx, conn, h.legacy)
	if err != nil {
		return nil, h.classify(ctx, err)
	}
	return resp, nil
}

// withConn applies ctx's deadline to c, arranges for cancellation to
// interrupt blocked I/O, runs fn and closes c.
func (h *Handshaker) withConn(ctx context.Context, c net.Conn, fn func(net.Conn) (*Response, error)) (*Response, error) {
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := c.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	return fn(c)
}

func (h *Handshaker) maxPacket() int {
	if h.MaxPacketSize <= 0 {
		return DefaultMaxPacketSize
	}
	return h.MaxPacketSize
}

func (h *Handshaker) modern(c net.Conn, host string, port uint16) (*Response, error) {
	version := h.ProtocolVersion
	if version == 0 {
		version = DefaultProtocolVersion
	}

	payload := AppendVarInt(nil, version)
	payload = AppendString(payload, host)
	payload = AppendUint16(payload, port)
	payload = AppendVarInt(payload, nextStateStatus)

	request := EncodePacket(handshakePacketID, payload)
	request = append(request, EncodePacket(statusRequestID, nil)...)

	start := time.Now()
	if _, err := c.Write(request); err != nil {
		return nil, err
	}

	r := bufio.NewReader(c)
	head, err := r.Peek(signatureLength)
	switch {
	case len(head) == 0 && errors.Is(err, io.EOF):
		return nil, ErrClosedBeforeReply
	case isLegacyKick(head):
		return nil, ErrLegacyKick
	case err != nil && len(head) > 0 && errors.Is(err, io.EOF):
		return nil, io.ErrUnexpectedEOF
	case err != nil:
		return nil, err
	}

	pkt, err := ReadPacket(r, h.maxPacket())
	if err != nil {
		return nil, err
	}
	if pkt.ID != statusResponseID {
		return nil, fmt.Errorf("%w: unexpected packet id 0x%02x", ErrMalformedFrame, pkt.ID)
	}
	body, _, err := ReadString(pkt.Data)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Variant: VariantModern,
		Payload: []byte(body),
		Latency: time.Since(start),
	}
	if h.Ping {
		resp.Ping, resp.PingErr = h.ping(c, r)
	}
	return resp, nil
}

func (h *Handshaker) ping(c net.Conn, r *bufio.Reader) (time.Duration, error) {
	token := time.Now().UnixMilli()
	var payload [8]byte
	binary.BigEndian.PutUint64(payload[:], uint64(token))

	start := time.Now()
	if _, err := c.Write(EncodePacket(pingPacketID, payload[:])); err != nil {
		return 0, err
	}
	pkt, err := ReadPacket(r, maxPongSize)
	if err != nil {
		return 0, err
	}
	if pkt.ID != pingPacketID || !bytes.Equal(pkt.Data, payload[:]) {
		return 0, fmt.Errorf("%w: pong does not echo the ping payload", ErrMalformedFrame)
	}
	return time.Since(start), nil
}

func (h *Handshaker) legacy(c net.Conn) (*Response, error) {
	start := time.Now()
	if _, err := c.Write(LegacyRequest); err != nil {
		return nil, err
	}
	text, err := readLegacyReply(bufio.NewReader(c))
	if err != nil {
		return nil, err
	}
	return &Response{
		Variant: VariantLegacy,
		Payload: text,
		Latency: time.Since(start),
	}, nil
}

// classify converts an exchange error into a coded scan error. Cancellation
// wins over whatever I/O error the forced deadline produced.
func (h *Handshaker) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return serrors.WrapScanError(serrors.CodeTimeout, "status exchange timed out", err)
		}
		return serrors.WrapScanError(serrors.CodeCanceled, "status exchange canceled", err)
	}

	switch code := serrors.ClassifyNet(err); code {
	case serrors.CodeUnknown:
		// fall through to the protocol checks below
	case serrors.CodeCanceled:
		return serrors.WrapScanError(code, "status exchange canceled", err)
	default:
		return serrors.WrapScanError(code, "status exchange failed", err)
	}

	switch {
	case errors.Is(err, ErrMalformedFrame), errors.Is(err, ErrVarIntTooBig):
		return serrors.WrapScanError(serrors.CodeHandshakeFailed, "malformed frame", err)
	case serrors.IsTruncation(err):
		return serrors.WrapScanError(serrors.CodeHandshakeFailed, "truncated reply", err)
	case errors.Is(err, ErrLegacyKick), errors.Is(err, ErrClosedBeforeReply):
		return serrors.WrapScanError(serrors.CodeHandshakeFailed, "no usable protocol variant", err)
	default:
		return serrors.WrapScanError(serrors.CodeHandshakeFailed, "status exchange failed", err)
	}
}
