// Package router classifies resolved attempts into server records and hands
// them to the persistence sink. Records pass through a bounded queue drained
// by a fixed set of writers; a full queue blocks the calling worker, so the
// sweep slows to the pace of the sink instead of dropping records.
package router

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/anstrom/serverseeker/internal/router Sink,Enricher

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/metrics"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// Sink accepts server records. Writes must be idempotent upserts keyed by
// address and port.
type Sink interface {
	Write(ctx context.Context, rec scanning.ServerRecord) error
}

// Enricher looks up the country of a discovered address.
type Enricher interface {
	Country(ctx context.Context, addr netip.Addr) (string, error)
}

// Config holds router configuration.
type Config struct {
	// QueueSize is the number of records buffered ahead of the writers.
	QueueSize int
	// Workers is the number of goroutines writing to the sink.
	Workers int
	// MaxRetries is the number of retries for a failed write.
	MaxRetries int
	// RetryDelay is the delay before the first retry.
	RetryDelay time.Duration
	// BackoffMultiplier grows the delay between consecutive retries.
	BackoffMultiplier float64
	// ForwardFailures sends failed attempts to the sink as well. Rescan
	// uses it to mark known servers that stopped answering.
	ForwardFailures bool
}

// DefaultConfig returns a default router configuration.
func DefaultConfig() Config {
	return Config{
		QueueSize:         1024,
		Workers:           4,
		MaxRetries:        3,
		RetryDelay:        500 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

// Router forwards outcomes to the sink.
type Router struct {
	config   Config
	sink     Sink
	enricher Enricher
	state    *scanning.SweepState
	metrics  metrics.Recorder
	logger   *logging.Logger
	now      func() time.Time

	queue chan scanning.ServerRecord
	wg    sync.WaitGroup

	// mu guards queue against a send after close.
	mu     sync.RWMutex
	closed atomic.Bool

	// ctx bounds sink writes; it is canceled when Close gives up waiting.
	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	closeOnce sync.Once
}

// Option configures a Router.
type Option func(*Router)

// WithEnricher fills in the country of successful records before they are
// written.
func WithEnricher(e Enricher) Option {
	return func(r *Router) { r.enricher = e }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(r *Router) { r.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a router writing to sink and counting into state.
func New(config Config, sink Sink, state *scanning.SweepState, opts ...Option) *Router {
	if config.QueueSize <= 0 {
		config.QueueSize = 1
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BackoffMultiplier < 1 {
		config.BackoffMultiplier = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		config:  config,
		sink:    sink,
		state:   state,
		metrics: metrics.Noop{},
		logger:  logging.Default().WithComponent("router"),
		now:     time.Now,
		queue:   make(chan scanning.ServerRecord, config.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the sink writers.
func (r *Router) Start() {
	r.startOnce.Do(func() {
		r.logger.Debug("Starting sink writers",
			"workers", r.config.Workers,
			"queue_size", r.config.QueueSize)

		for i := 0; i < r.config.Workers; i++ {
			r.wg.Add(1)
			go r.runWriter(i)
		}
	})
}

// Route counts outcome and queues its record for the sink. It blocks while
// the queue is full. If ctx ends first the record is counted as a sink
// failure and a CodeSinkBackpressure error is returned.
func (r *Router) Route(ctx context.Context, target scanning.ScanTarget, outcome scanning.Outcome) error {
	r.state.RecordOutcome(outcome.Kind)
	r.metrics.ObserveAttempt(r.state.Mode().String(), outcome.Kind.String(), outcome.Latency)

	if !r.forwards(outcome.Kind) {
		return nil
	}
	rec := scanning.NewServerRecord(target, outcome, r.now())

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed.Load() {
		r.state.RecordSinkFailure()
		r.metrics.ObserveSinkWrite("error")
		return errors.NewScanError(errors.CodeSinkUnavailable, "router is closed")
	}

	select {
	case r.queue <- rec:
		r.metrics.SetSinkQueueDepth(len(r.queue))
		return nil
	case <-ctx.Done():
		r.state.RecordSinkFailure()
		r.metrics.ObserveSinkWrite("error")
		return errors.WrapScanErrorWithTarget(errors.CodeSinkBackpressure,
			"sink queue full at shutdown", target.String(), ctx.Err())
	}
}

// forwards reports whether a record is produced for kind. A canceled
// attempt says nothing about its target and is never written.
//
// Other failures are forwarded only when ForwardFailures is set, which the
// daemon does for rescan. In discovery a failed address has no server row to
// update, so its outcome is counted in the sweep state and then dropped.
func (r *Router) forwards(kind scanning.OutcomeKind) bool {
	switch kind {
	case scanning.OutcomeSuccess:
		return true
	case scanning.OutcomeCanceled:
		return false
	default:
		return r.config.ForwardFailures
	}
}

// QueueDepth returns the number of records waiting for a writer.
func (r *Router) QueueDepth() int {
	return len(r.queue)
}

// Close stops accepting records and waits for the writers to drain the
// queue. When ctx ends first, pending writes are abandoned and counted as
// sink failures.
func (r *Router) Close(ctx context.Context) error {
	var err error
	r.closeOnce.Do(func() {
		r.closed.Store(true)

		done := make(chan struct{})
		go func() {
			r.mu.Lock()
			close(r.queue)
			r.mu.Unlock()
			r.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			r.logger.Debug("Sink writers drained")
		case <-ctx.Done():
			r.logger.Warn("Sink drain timed out, abandoning queued records",
				"queued", len(r.queue))
			r.cancel()
			<-done
			err = errors.WrapScanError(errors.CodeSinkBackpressure, "sink drain timed out", ctx.Err())
		}
		r.cancel()
	})
	return err
}

func (r *Router) runWriter(id int) {
	defer r.wg.Done()

	for rec := range r.queue {
		r.metrics.SetSinkQueueDepth(len(r.queue))
		r.write(id, rec)
	}
}

// write delivers rec with retry and exponential backoff. Errors that a
// retry cannot fix end the loop early.
func (r *Router) write(id int, rec scanning.ServerRecord) {
	if r.enricher != nil && rec.Outcome == scanning.OutcomeSuccess && rec.Country == "" {
		country, err := r.enricher.Country(r.ctx, rec.Target.Addr)
		if err != nil {
			r.logger.Debug("Country lookup failed", "target", rec.Target.String(), "error", err)
		} else {
			rec.Country = country
		}
	}

	delay := r.config.RetryDelay
	var lastErr error
	retries := 0

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err := r.sink.Write(r.ctx, rec)
		if err == nil {
			r.state.RecordSinkWrite()
			r.metrics.ObserveSinkWrite("ok")
			return
		}

		lastErr = err
		retries = attempt
		if attempt == r.config.MaxRetries || !retryable(err) || r.ctx.Err() != nil {
			break
		}

		r.metrics.ObserveSinkWrite("retry")
		r.logger.Debug("Sink write failed, retrying",
			"target", rec.Target.String(),
			"attempt", attempt+1,
			"max_retries", r.config.MaxRetries,
			"writer_id", id,
			"error", err)

		select {
		case <-time.After(delay):
		case <-r.ctx.Done():
		}
		delay = time.Duration(float64(delay) * r.config.BackoffMultiplier)
	}

	r.state.RecordSinkFailure()
	r.metrics.ObserveSinkWrite("error")
	r.logger.ErrorSink("Sink write failed", lastErr,
		"target", rec.Target.String(),
		"outcome", rec.Outcome.String(),
		"retries", retries,
		"writer_id", id)
}

// retryable reports whether a failed write may succeed on a later try.
func retryable(err error) bool {
	switch errors.GetCode(err) {
	case errors.CodeValidation, errors.CodeConflict, errors.CodeNotFound, errors.CodeCanceled:
		return false
	default:
		return true
	}
}
