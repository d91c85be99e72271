package sweep

import (
	"context"
	"time"

	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// runRescan re-verifies known servers, one pass every RescanInterval, until
// ctx ends. A pass whose target list cannot be loaded is skipped.
func (e *Engine) runRescan(ctx, routeCtx context.Context) error {
	if e.known == nil && (e.resolver == nil || len(e.config.SeedHosts) == 0) {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"rescan needs known hosts or seed hosts", "scanner.seed_hosts", nil)
	}

	for pass := uint64(0); ctx.Err() == nil; pass++ {
		targets, err := e.rescanTargets(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			e.logger.ErrorSink("Failed to load rescan targets", err, "pass", pass)
		} else {
			it := scanning.NewListIterator(targets)
			e.state.BeginPass(pass, 0, it.Len())
			e.logPass("Rescan pass started")

			e.runPass(ctx, routeCtx, it, nil)
			if ctx.Err() != nil {
				break
			}
			e.metrics.IncSweepPasses(e.config.Mode.String())
			e.logPass("Rescan pass complete")
		}

		if !sleepCtx(ctx, e.config.RescanInterval) {
			break
		}
	}

	e.logPass("Sweep stopped")
	return nil
}

// rescanTargets merges resolved seed hosts with known servers. Seeds come
// first so their host names survive de-duplication. Seed host resolution
// failures are logged and do not fail the pass.
func (e *Engine) rescanTargets(ctx context.Context) ([]scanning.ScanTarget, error) {
	var targets []scanning.ScanTarget

	if e.known != nil {
		var since time.Time
		if e.config.RescanMaxAge > 0 {
			since = e.now().Add(-e.config.RescanMaxAge)
		}
		known, err := e.known.KnownTargets(ctx, since)
		if err != nil {
			return nil, wrapSweepError("list known servers", err)
		}
		targets = append(targets, known...)
	}

	if e.resolver != nil && len(e.config.SeedHosts) > 0 {
		seeds, err := e.resolver.Resolve(ctx, e.config.SeedHosts, e.config.Ports)
		if err != nil {
			e.logger.Warn("Seed host resolution failed", "error", err)
		}
		targets = append(seeds, targets...)
	}

	return targets, nil
}
