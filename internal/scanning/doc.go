// Package scanning provides the per-target scanning engine of serverseeker.
//
// This package contains the pieces a sweep is assembled from: the address
// space a Discovery sweep enumerates, the concurrency governor that bounds
// in-flight connection attempts, the probe that turns one granted attempt
// into exactly one classified outcome, and the sweep state counters.
//
// # Overview
//
// A sweep pulls ScanTarget values from an Iterator, acquires a Permit from
// the Governor for each, and hands the resulting Attempt to a Prober. The
// Prober dials the target, runs the status handshake from the protocol
// package, decodes the payload with the status package and returns an
// Outcome. Outcomes are turned into ServerRecord values for the persistence
// sink.
//
// # Main Components
//
//   - AddressSpace: the configured ranges minus exclusions, crossed with the
//     configured ports, visited in a seeded full-cycle permutation.
//   - Iterator: a restartable cursor over an AddressSpace or a fixed list of
//     known targets.
//   - Governor: a weighted semaphore plus a token bucket rate limiter.
//   - Prober: dial, handshake and decode under one absolute deadline.
//   - SweepState: atomic counters and the Running/Draining/Complete phase.
//
// # Error Handling
//
// Per-target failures never escape as errors. The Prober converts every
// failure into an Outcome whose Kind follows the error codes of the errors
// package, so a refused connection, a timeout or a malformed frame only
// ever shows up as a counter.
package scanning
