package scanning

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle position of the current sweep pass.
type Phase int32

const (
	PhaseRunning Phase = iota
	// PhaseDraining: no new targets are dispatched; in-flight attempts
	// are finishing.
	PhaseDraining
	PhaseComplete
)

// String implements fmt.Stringer.
func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "draining"
	case PhaseComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// SweepState is the single state object of a sweep. The sweep loop owns the
// cursor, pass and phase; workers and the router only bump counters. Every
// field is atomic so snapshots can be taken from any goroutine.
type SweepState struct {
	id        string
	mode      Mode
	startedAt time.Time

	pass      atomic.Uint64
	cursor    atomic.Uint64
	total     atomic.Uint64
	phase     atomic.Int32
	attempted atomic.Uint64
	succeeded atomic.Uint64
	failed    atomic.Uint64
	byKind    [numOutcomeKinds]atomic.Uint64

	sinkWritten atomic.Uint64
	sinkFailed  atomic.Uint64
}

// NewSweepState creates the state for a sweep in mode.
func NewSweepState(mode Mode) *SweepState {
	return &SweepState{
		id:        uuid.New().String(),
		mode:      mode,
		startedAt: time.Now(),
	}
}

// ID identifies the sweep in logs.
func (s *SweepState) ID() string { return s.id }

// Mode returns the sweep mode.
func (s *SweepState) Mode() Mode { return s.mode }

// BeginPass resets the per-pass position and enters PhaseRunning. Counters
// accumulate across passes.
func (s *SweepState) BeginPass(pass, cursor, total uint64) {
	s.pass.Store(pass)
	s.cursor.Store(cursor)
	s.total.Store(total)
	s.phase.Store(int32(PhaseRunning))
}

// SetCursor records the iterator position.
func (s *SweepState) SetCursor(cursor uint64) { s.cursor.Store(cursor) }

// Cursor returns the last recorded iterator position.
func (s *SweepState) Cursor() uint64 { return s.cursor.Load() }

// SetPhase moves the sweep to p.
func (s *SweepState) SetPhase(p Phase) { s.phase.Store(int32(p)) }

// Phase returns the current phase.
func (s *SweepState) Phase() Phase { return Phase(s.phase.Load()) }

// RecordAttempt counts a dispatched attempt.
func (s *SweepState) RecordAttempt() { s.attempted.Add(1) }

// RecordOutcome counts a resolved attempt by kind.
func (s *SweepState) RecordOutcome(kind OutcomeKind) {
	if kind == OutcomeSuccess {
		s.succeeded.Add(1)
	} else {
		s.failed.Add(1)
	}
	if kind >= 0 && kind < numOutcomeKinds {
		s.byKind[kind].Add(1)
	}
}

// RecordSinkWrite counts a record the sink accepted.
func (s *SweepState) RecordSinkWrite() { s.sinkWritten.Add(1) }

// RecordSinkFailure counts a record the sink could not take, either after
// retries or because shutdown interrupted backpressure.
func (s *SweepState) RecordSinkFailure() { s.sinkFailed.Add(1) }

// Snapshot is a point-in-time copy of SweepState.
type Snapshot struct {
	ID          string
	Mode        Mode
	Phase       Phase
	Pass        uint64
	Cursor      uint64
	Total       uint64
	Attempted   uint64
	Succeeded   uint64
	Failed      uint64
	ByOutcome   map[OutcomeKind]uint64
	SinkWritten uint64
	SinkFailed  uint64
	Elapsed     time.Duration
}

// Snapshot copies the current counters.
func (s *SweepState) Snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		Mode:        s.mode,
		Phase:       s.Phase(),
		Pass:        s.pass.Load(),
		Cursor:      s.cursor.Load(),
		Total:       s.total.Load(),
		Attempted:   s.attempted.Load(),
		Succeeded:   s.succeeded.Load(),
		Failed:      s.failed.Load(),
		ByOutcome:   make(map[OutcomeKind]uint64, numOutcomeKinds),
		SinkWritten: s.sinkWritten.Load(),
		SinkFailed:  s.sinkFailed.Load(),
		Elapsed:     time.Since(s.startedAt),
	}
	for k := OutcomeKind(0); k < numOutcomeKinds; k++ {
		if n := s.byKind[k].Load(); n > 0 {
			snap.ByOutcome[k] = n
		}
	}
	return snap
}
