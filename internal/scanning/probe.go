package scanning

import (
	"context"
	"net"
	"time"

	serrors "github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/protocol"
	"github.com/anstrom/serverseeker/internal/status"
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Prober turns one Attempt into one Outcome: connect, handshake, decode.
// It never retries; a refused or reset connection is final for the attempt.
type Prober struct {
	Dialer     Dialer
	Handshaker *protocol.Handshaker
	// Now is the clock used for latency; defaults to time.Now.
	Now func() time.Time
}

// NewProber returns a Prober using a plain net.Dialer.
func NewProber(h *protocol.Handshaker) *Prober {
	if h == nil {
		h = protocol.NewHandshaker()
	}
	return &Prober{Dialer: &net.Dialer{}, Handshaker: h, Now: time.Now}
}

// Probe runs the attempt. Every step shares the attempt's absolute deadline,
// so time spent waiting for the governor never extends the attempt and a
// silent peer resolves as a timeout at the deadline.
func (p *Prober) Probe(ctx context.Context, a Attempt) Outcome {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	start := now()

	ctx, cancel := context.WithDeadline(ctx, a.Deadline)
	defer cancel()

	address := a.Target.AddrPort().String()
	dial := func(ctx context.Context) (net.Conn, error) {
		return p.Dialer.DialContext(ctx, "tcp", address)
	}

	conn, err := dial(ctx)
	if err != nil {
		return OutcomeFromError(dialError(ctx, address, err), now().Sub(start))
	}

	resp, err := p.Handshaker.Query(ctx, conn, a.Target.HandshakeHost(), a.Target.Port, dial)
	if err != nil {
		return OutcomeFromError(err, now().Sub(start))
	}

	st, err := status.Decode(resp.Variant, resp.Payload)
	if err != nil {
		o := OutcomeFromError(err, resp.Latency)
		o.Raw = resp.Payload
		return o
	}

	return Outcome{
		Kind:    OutcomeSuccess,
		Raw:     resp.Payload,
		Status:  st,
		Latency: resp.Latency,
		Ping:    resp.Ping,
	}
}

// dialError codes a connect failure. Unrecognised dial errors are routing
// failures such as EADDRNOTAVAIL and count as unreachable.
func dialError(ctx context.Context, address string, err error) error {
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return serrors.WrapScanErrorWithTarget(serrors.CodeTimeout, "connect timed out", address, err)
	case ctx.Err() != nil:
		return serrors.WrapScanErrorWithTarget(serrors.CodeCanceled, "connect canceled", address, err)
	}

	code := serrors.ClassifyNet(err)
	if code == serrors.CodeUnknown {
		code = serrors.CodeNetworkUnreachable
	}
	return serrors.WrapScanErrorWithTarget(code, "connect failed", address, err)
}
