package sweep

import (
	"context"
	"math/rand/v2"

	"github.com/anstrom/serverseeker/internal/errors"
	"github.com/anstrom/serverseeker/internal/scanning"
)

// runDiscovery walks the address space pass after pass. Each pass uses its
// own permutation derived from the base seed and the pass number.
func (e *Engine) runDiscovery(ctx, routeCtx context.Context) error {
	space := e.config.Space
	if space == nil {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"discovery needs an address space", "scanner.ranges", nil)
	}

	cp, err := e.resume(ctx, space.Len())
	if err != nil {
		return err
	}

	for {
		it := scanning.NewSpaceIterator(space, passSeed(cp.Seed, cp.Pass))
		if err := it.Seek(cp.Cursor); err != nil {
			e.logger.Warn("Checkpoint cursor out of range, restarting pass", "error", err)
			cp.Cursor = 0
		}

		e.state.BeginPass(cp.Pass, it.Cursor(), it.Len())
		e.logPass("Sweep pass started", "seed", cp.Seed)

		// The state cursor counts dispatched targets; the iterator may be
		// one ahead when an Acquire was canceled.
		e.runPass(ctx, routeCtx, it, func() {
			e.saveCheckpoint(ctx, cp, e.state.Cursor())
		})

		if dispatched := e.state.Cursor(); ctx.Err() != nil || dispatched < it.Len() {
			e.saveCheckpoint(context.WithoutCancel(ctx), cp, dispatched)
			e.logPass("Sweep stopped")
			return nil
		}

		e.metrics.IncSweepPasses(e.config.Mode.String())
		e.logPass("Sweep pass complete")

		cp.Pass++
		cp.Cursor = 0
		e.saveCheckpoint(ctx, cp, 0)

		if !e.config.Repeat {
			e.logPass("Address space exhausted, stopping")
			return nil
		}
	}
}

// resume loads the saved position. A checkpoint for a different address
// space or seed is ignored and the sweep starts over.
func (e *Engine) resume(ctx context.Context, total uint64) (scanning.Checkpoint, error) {
	fresh := scanning.Checkpoint{Mode: scanning.ModeDiscovery, Seed: e.config.Seed, Total: total}

	if e.checkpoints != nil {
		cp, ok, err := e.checkpoints.Load(ctx, scanning.ModeDiscovery)
		if err != nil {
			return fresh, wrapSweepError("load checkpoint", err)
		}
		switch {
		case !ok:
		case cp.Total != total:
			e.logger.Info("Address space changed since last checkpoint, starting over",
				"checkpoint_total", cp.Total, "total", total)
		case e.config.Seed != 0 && cp.Seed != e.config.Seed:
			e.logger.Info("Configured seed differs from checkpoint, starting over")
		default:
			e.logger.Info("Resuming from checkpoint",
				"pass", cp.Pass, "cursor", cp.Cursor, "updated_at", cp.UpdatedAt)
			return cp, nil
		}
	}

	for fresh.Seed == 0 {
		fresh.Seed = rand.Uint64()
	}
	return fresh, nil
}

// saveCheckpoint stores cursor rewound by the concurrency limit, so
// attempts still in flight are probed again after a crash. Failures are
// logged; the sweep goes on.
func (e *Engine) saveCheckpoint(ctx context.Context, cp scanning.Checkpoint, cursor uint64) {
	if e.checkpoints == nil {
		return
	}
	cp.Cursor = cursor
	cp = cp.Rewind(uint64(e.governor.Limit()))
	cp.UpdatedAt = e.now()
	if err := e.checkpoints.Save(ctx, cp); err != nil {
		e.logger.ErrorSink("Failed to save checkpoint", err, "cursor", cp.Cursor, "pass", cp.Pass)
	}
}

// passSeed varies the permutation between passes.
func passSeed(seed, pass uint64) uint64 {
	return seed + pass*0x9e3779b97f4a7c15
}
