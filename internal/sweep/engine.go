// Package sweep drives the crawler. An Engine pulls targets from an
// iterator, dispatches one worker per granted governor permit and hands
// every outcome to the router. Discovery mode walks the configured address
// space and checkpoints its cursor; Rescan mode cycles over known servers on
// a timer.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/logging"
	"github.com/anstrom/serverseeker/internal/metrics"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// Prober resolves one attempt into one outcome.
type Prober interface {
	Probe(ctx context.Context, a scanning.Attempt) scanning.Outcome
}

// Router accepts outcomes. Route may block to apply backpressure.
type Router interface {
	Route(ctx context.Context, target scanning.ScanTarget, outcome scanning.Outcome) error
}

// CheckpointStore persists the discovery position.
type CheckpointStore interface {
	Load(ctx context.Context, mode scanning.Mode) (scanning.Checkpoint, bool, error)
	Save(ctx context.Context, cp scanning.Checkpoint) error
}

// KnownHostSource lists previously discovered servers seen at or after
// since. A zero since means all of them.
type KnownHostSource interface {
	KnownTargets(ctx context.Context, since time.Time) ([]scanning.ScanTarget, error)
}

// SeedResolver turns host names into targets.
type SeedResolver interface {
	Resolve(ctx context.Context, hosts []string, ports []uint16) ([]scanning.ScanTarget, error)
}

// Config holds sweep settings.
type Config struct {
	Mode scanning.Mode
	// Space is the discovery address space.
	Space *scanning.AddressSpace
	// Ports are used for seed hosts without an SRV record.
	Ports []uint16
	// Timeout is the absolute budget of one attempt.
	Timeout time.Duration
	// Repeat restarts discovery when the space is exhausted.
	Repeat bool
	// Seed fixes the permutation; zero picks one.
	Seed               uint64
	CheckpointInterval time.Duration
	RescanInterval     time.Duration
	RescanMaxAge       time.Duration
	SeedHosts          []string
	// DrainTimeout bounds how long in-flight workers may wait on the router
	// after shutdown starts.
	DrainTimeout time.Duration
}

// Engine runs sweeps.
type Engine struct {
	config   Config
	governor *scanning.Governor
	prober   Prober
	router   Router
	state    *scanning.SweepState

	checkpoints CheckpointStore
	known       KnownHostSource
	resolver    SeedResolver

	metrics metrics.Recorder
	logger  *logging.Logger
	now     func() time.Time

	workers sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithCheckpoints enables discovery checkpointing.
func WithCheckpoints(store CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = store }
}

// WithKnownHosts sets the rescan target source.
func WithKnownHosts(src KnownHostSource) Option {
	return func(e *Engine) { e.known = src }
}

// WithSeedResolver sets the resolver for seed hosts.
func WithSeedResolver(r SeedResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an engine. state must be the same SweepState the router
// counts into.
func New(cfg Config, governor *scanning.Governor, prober Prober, router Router,
	state *scanning.SweepState, opts ...Option) *Engine {
	if cfg.CheckpointInterval <= 0 {
		cfg.CheckpointInterval = 30 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	e := &Engine{
		config:   cfg,
		governor: governor,
		prober:   prober,
		router:   router,
		state:    state,
		metrics:  metrics.Noop{},
		logger:   logging.Default().WithComponent("sweep"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.WithSweepID(state.ID())
	return e
}

// State returns the sweep counters.
func (e *Engine) State() *scanning.SweepState {
	return e.state
}

// Snapshot copies the current sweep counters.
func (e *Engine) Snapshot() scanning.Snapshot {
	return e.state.Snapshot()
}

// Run sweeps until ctx is canceled or, in discovery mode without repeat,
// until the address space is exhausted. In-flight attempts are drained
// before Run returns. A clean stop returns nil.
func (e *Engine) Run(ctx context.Context) error {
	defer e.state.SetPhase(scanning.PhaseComplete)

	// In-flight attempts keep probing and routing after shutdown, but only
	// for DrainTimeout. Dispatch stops as soon as ctx ends.
	drainCtx, cancelDrain := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDrain()
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(e.config.DrainTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancelDrain()
		case <-drainCtx.Done():
		}
	})
	defer stop()

	switch e.config.Mode {
	case scanning.ModeDiscovery:
		return e.runDiscovery(ctx, drainCtx)
	case scanning.ModeRescan:
		return e.runRescan(ctx, drainCtx)
	default:
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"unsupported sweep mode", "scanner.mode", e.config.Mode.String())
	}
}

// runPass dispatches every target of it. A permit is acquired before the
// worker goroutine is spawned, so at most governor.Limit() workers exist.
// onTick runs every checkpoint interval from the dispatch loop. runPass
// returns once the pass is exhausted or ctx ends, and all workers it
// started have finished.
func (e *Engine) runPass(ctx, drainCtx context.Context, it scanning.Iterator, onTick func()) {
	var tick <-chan time.Time
	if onTick != nil {
		ticker := time.NewTicker(e.config.CheckpointInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for ctx.Err() == nil {
		select {
		case <-tick:
			onTick()
		default:
		}

		target, ok := it.Next()
		if !ok {
			break
		}

		permit, err := e.governor.Acquire(ctx)
		if err != nil {
			// Only cancellation ends an Acquire. The target was not probed;
			// the rewound checkpoint covers it.
			break
		}
		e.state.RecordAttempt()
		e.state.SetCursor(it.Cursor())
		e.metrics.SetSlotsInUse(e.governor.InUse())

		e.workers.Add(1)
		go e.attempt(drainCtx, permit, target)
	}

	e.state.SetPhase(scanning.PhaseDraining)
	e.workers.Wait()
	e.metrics.SetSlotsInUse(e.governor.InUse())
}

// attempt runs one target end to end and releases its permit after the
// outcome is routed. Both steps run under the drain context, so shutdown
// cancels them only once the drain window has passed.
func (e *Engine) attempt(ctx context.Context, permit *scanning.Permit, target scanning.ScanTarget) {
	defer e.workers.Done()
	defer permit.Release()

	outcome := e.prober.Probe(ctx, scanning.NewAttempt(target, e.now(), e.config.Timeout))
	if outcome.Kind != scanning.OutcomeSuccess {
		e.logger.Debug("Attempt failed",
			"target", target.String(),
			"outcome", outcome.Kind.String(),
			"error", outcome.Err)
	}

	if err := e.router.Route(ctx, target, outcome); err != nil {
		e.logger.Warn("Record not routed", "target", target.String(), "error", err)
	}
}

func (e *Engine) logPass(msg string, fields ...any) {
	snap := e.state.Snapshot()
	fields = append(fields,
		"pass", snap.Pass,
		"cursor", snap.Cursor,
		"total", snap.Total,
		"attempted", snap.Attempted,
		"succeeded", snap.Succeeded,
		"elapsed", snap.Elapsed.Round(time.Second).String())
	e.logger.InfoSweep(msg, e.config.Mode.String(), fields...)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func wrapSweepError(message string, err error) error {
	return errors.WrapScanError(errors.GetCode(err), fmt.Sprintf("sweep: %s", message), err)
}
