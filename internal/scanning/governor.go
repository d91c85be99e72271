package scanning

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	serrors "github.com/anstrom/serverseeker/internal/errors"
)

// GovernorConfig bounds connection attempts.
type GovernorConfig struct {
	// Concurrency is the maximum number of attempts in flight.
	Concurrency int
	// RateLimit is the maximum number of new attempts per second; zero or
	// negative disables the rate ceiling.
	RateLimit float64
	// Burst is the token bucket size. Defaults to 1 when a rate is set.
	Burst int
}

// Governor hands out permits for connection attempts. It enforces both the
// concurrency bound and the rate ceiling. Waiters are served in FIFO order,
// so no acquirer starves under steady load.
type Governor struct {
	limit   int64
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	inUse   atomic.Int64

	closed    context.Context
	closeFunc context.CancelFunc

	// onWait observes how long each successful Acquire waited.
	onWait func(time.Duration)
}

// NewGovernor creates a governor. A non-positive concurrency is treated
// as 1.
func NewGovernor(cfg GovernorConfig) *Governor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}

	closed, closeFunc := context.WithCancel(context.Background())
	g := &Governor{
		limit:     int64(cfg.Concurrency),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		closed:    closed,
		closeFunc: closeFunc,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// OnWait registers a callback that receives the wait time of every granted
// permit. It must be set before the first Acquire.
func (g *Governor) OnWait(fn func(time.Duration)) {
	g.onWait = fn
}

// Acquire blocks until a slot and a rate token are available. It returns a
// CodeCanceled error when ctx ends or the governor is closed while waiting.
func (g *Governor) Acquire(ctx context.Context) (*Permit, error) {
	if g.closed.Err() != nil {
		return nil, serrors.NewScanError(serrors.CodeCanceled, "governor is closed")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(g.closed, cancel)
	defer stop()

	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, g.cancelError(err)
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			g.sem.Release(1)
			return nil, g.cancelError(err)
		}
	}

	g.inUse.Add(1)
	if g.onWait != nil {
		g.onWait(time.Since(start))
	}
	return &Permit{g: g}, nil
}

func (g *Governor) cancelError(err error) error {
	if g.closed.Err() != nil {
		return serrors.WrapScanError(serrors.CodeCanceled, "governor closed while waiting for a slot", err)
	}
	return serrors.WrapScanError(serrors.CodeCanceled, "canceled while waiting for a slot", err)
}

// TryAcquire grants a permit only if one is free right now and the rate
// ceiling allows it. A CodeResourceExhausted error reports saturation.
func (g *Governor) TryAcquire() (*Permit, error) {
	if g.closed.Err() != nil {
		return nil, serrors.NewScanError(serrors.CodeCanceled, "governor is closed")
	}
	if !g.sem.TryAcquire(1) {
		return nil, serrors.NewScanError(serrors.CodeResourceExhausted, "all slots are in use")
	}
	if g.limiter != nil && !g.limiter.Allow() {
		g.sem.Release(1)
		return nil, serrors.NewScanError(serrors.CodeResourceExhausted, "connection rate ceiling reached")
	}
	g.inUse.Add(1)
	return &Permit{g: g}, nil
}

// InUse returns the number of permits currently held.
func (g *Governor) InUse() int {
	return int(g.inUse.Load())
}

// Limit returns the concurrency bound.
func (g *Governor) Limit() int {
	return int(g.limit)
}

// Close releases every blocked Acquire with a cancellation error and makes
// later calls fail. Permits already granted stay valid and must still be
// released. Close is idempotent.
func (g *Governor) Close() error {
	g.closeFunc()
	return nil
}

// Permit is one granted slot. Release is idempotent.
type Permit struct {
	g    *Governor
	once sync.Once
}

// Release returns the slot to the governor.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inUse.Add(-1)
		p.g.sem.Release(1)
	})
}
