// Package metrics provides interfaces for metrics collection and monitoring.
package metrics

import "time"

// Recorder receives the crawler's operational measurements. The scanning
// pipeline depends only on this interface so tests can run with Noop.
type Recorder interface {
	// ObserveAttempt records one resolved attempt.
	ObserveAttempt(mode, outcome string, latency time.Duration)

	// SetSlotsInUse reports the number of governor permits held.
	SetSlotsInUse(n int)

	// ObserveSlotWait records how long an acquirer waited for a permit.
	ObserveSlotWait(wait time.Duration)

	// ObserveSinkWrite counts a sink write by result: ok, retry or error.
	ObserveSinkWrite(result string)

	// SetSinkQueueDepth reports the number of records waiting for the sink.
	SetSinkQueueDepth(n int)

	// IncSweepPasses counts a completed sweep pass.
	IncSweepPasses(mode string)

	// ObserveCountryUpdate records a country-tracking sync.
	ObserveCountryUpdate(result string, ranges int)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) ObserveAttempt(string, string, time.Duration) {}
func (Noop) SetSlotsInUse(int)                            {}
func (Noop) ObserveSlotWait(time.Duration)                {}
func (Noop) ObserveSinkWrite(string)                      {}
func (Noop) SetSinkQueueDepth(int)                        {}
func (Noop) IncSweepPasses(string)                        {}
func (Noop) ObserveCountryUpdate(string, int)             {}

// Ensure that both implementations satisfy Recorder.
var (
	_ Recorder = Noop{}
	_ Recorder = (*PrometheusMetrics)(nil)
)
