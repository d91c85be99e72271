package scanning

import (
	"net/netip"
	"time"

	serrors "github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/status"
)

// DefaultPort is the port servers listen on unless configured otherwise.
const DefaultPort = 25565

// ScanTarget is a single candidate endpoint. It is a comparable value and
// is never mutated; a re-scan uses a new ScanTarget.
type ScanTarget struct {
	Addr netip.Addr
	Port uint16
	// Host is the name announced in the handshake. Empty means the
	// address literal is used.
	Host string
}

// NewScanTarget returns a target for addr:port.
func NewScanTarget(addr netip.Addr, port uint16) ScanTarget {
	return ScanTarget{Addr: addr.Unmap(), Port: port}
}

// AddrPort returns the dialable endpoint.
func (t ScanTarget) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(t.Addr, t.Port)
}

// HandshakeHost returns the host name to announce in the handshake.
func (t ScanTarget) HandshakeHost() string {
	if t.Host != "" {
		return t.Host
	}
	return t.Addr.String()
}

// String implements fmt.Stringer.
func (t ScanTarget) String() string {
	return t.AddrPort().String()
}

// Attempt is one granted try at a target. Its deadline is fixed when the
// governor grants the slot and bounds dial, handshake and decode together.
type Attempt struct {
	Target    ScanTarget
	StartedAt time.Time
	Deadline  time.Time
}

// NewAttempt starts an attempt at now that must resolve within timeout.
func NewAttempt(target ScanTarget, now time.Time, timeout time.Duration) Attempt {
	return Attempt{Target: target, StartedAt: now, Deadline: now.Add(timeout)}
}

// OutcomeKind classifies how an attempt resolved.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeConnectionRefused
	OutcomeConnectionReset
	OutcomeNetworkUnreachable
	OutcomeTimeout
	OutcomeProtocolError
	// OutcomeCanceled means shutdown interrupted the attempt. It says
	// nothing about the target.
	OutcomeCanceled

	numOutcomeKinds
)

var outcomeNames = [numOutcomeKinds]string{
	OutcomeSuccess:            "success",
	OutcomeConnectionRefused:  "connection_refused",
	OutcomeConnectionReset:    "connection_reset",
	OutcomeNetworkUnreachable: "network_unreachable",
	OutcomeTimeout:            "timeout",
	OutcomeProtocolError:      "protocol_error",
	OutcomeCanceled:           "canceled",
}

// String implements fmt.Stringer.
func (k OutcomeKind) String() string {
	if k < 0 || k >= numOutcomeKinds {
		return "unknown"
	}
	return outcomeNames[k]
}

// ProtocolStage tells a handshake failure from a decode failure.
type ProtocolStage string

const (
	StageHandshake ProtocolStage = "handshake"
	StageDecode    ProtocolStage = "decode"
)

// Outcome is the single result of an attempt.
type Outcome struct {
	Kind OutcomeKind
	// Raw is the undecoded payload of a successful exchange.
	Raw     []byte
	Status  *status.ServerStatus
	Latency time.Duration
	Ping    time.Duration
	// Stage and Reason describe a protocol error.
	Stage  ProtocolStage
	Reason string
	Err    error
}

// OutcomeFromError classifies a failed attempt by its error code.
func OutcomeFromError(err error, latency time.Duration) Outcome {
	o := Outcome{Err: err, Latency: latency}
	switch code := serrors.GetCode(err); code {
	case serrors.CodeCanceled:
		o.Kind = OutcomeCanceled
	case serrors.CodeTimeout:
		o.Kind = OutcomeTimeout
	case serrors.CodeConnectionRefused:
		o.Kind = OutcomeConnectionRefused
	case serrors.CodeConnectionReset:
		o.Kind = OutcomeConnectionReset
	case serrors.CodeNetworkUnreachable:
		o.Kind = OutcomeNetworkUnreachable
	case serrors.CodeDecodeFailed:
		o.Kind = OutcomeProtocolError
		o.Stage = StageDecode
	default:
		o.Kind = OutcomeProtocolError
		o.Stage = StageHandshake
	}
	if o.Kind == OutcomeProtocolError && err != nil {
		o.Reason = err.Error()
	}
	return o
}

// ServerRecord is what the persistence sink receives.
type ServerRecord struct {
	Target     ScanTarget
	Outcome    OutcomeKind
	Status     *status.ServerStatus
	Reason     string
	ObservedAt time.Time
	Latency    time.Duration
	Ping       time.Duration
	// Country is filled in by the router when a country lookup is wired.
	Country string
}

// NewServerRecord builds the record for target's outcome.
func NewServerRecord(target ScanTarget, o Outcome, observedAt time.Time) ServerRecord {
	return ServerRecord{
		Target:     target,
		Outcome:    o.Kind,
		Status:     o.Status,
		Reason:     o.Reason,
		ObservedAt: observedAt,
		Latency:    o.Latency,
		Ping:       o.Ping,
	}
}
