package scanning

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	serrors "github.com/anstrom/serverseeker/internal/errors"
)

func TestGovernor_Acquire(t *testing.T) {
	t.Run("successful acquisition", func(t *testing.T) {
		g := NewGovernor(GovernorConfig{Concurrency: 5})

		p, err := g.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Expected successful acquisition, got error: %v", err)
		}
		if g.InUse() != 1 {
			t.Errorf("Expected 1 permit in use, got %d", g.InUse())
		}

		p.Release()
		if g.InUse() != 0 {
			t.Errorf("Expected 0 permits in use, got %d", g.InUse())
		}
	})

	t.Run("saturation makes excess acquirers wait", func(t *testing.T) {
		g := NewGovernor(GovernorConfig{Concurrency: 2})
		ctx := context.Background()

		p1, err1 := g.Acquire(ctx)
		p2, err2 := g.Acquire(ctx)
		if err1 != nil || err2 != nil {
			t.Fatalf("Expected successful acquisition, got errors: %v, %v", err1, err2)
		}

		ctx3, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		defer cancel()
		if _, err := g.Acquire(ctx3); !serrors.IsCode(err, serrors.CodeCanceled) {
			t.Errorf("Expected CANCELED once the wait times out, got %v", err)
		}
		if _, err := g.TryAcquire(); !serrors.IsCode(err, serrors.CodeResourceExhausted) {
			t.Errorf("Expected RESOURCE_EXHAUSTED from TryAcquire, got %v", err)
		}

		p1.Release()
		p3, err := g.Acquire(ctx)
		if err != nil {
			t.Fatalf("Expected acquisition after release, got %v", err)
		}
		p2.Release()
		p3.Release()
	})

	t.Run("canceled context", func(t *testing.T) {
		g := NewGovernor(GovernorConfig{Concurrency: 1})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := g.Acquire(ctx); err == nil {
			t.Error("Expected cancellation error, got success")
		}
		if g.InUse() != 0 {
			t.Errorf("Expected no permits in use, got %d", g.InUse())
		}
	})
}

func TestGovernor_NeverExceedsLimit(t *testing.T) {
	const limit = 4
	const workers = 40

	g := NewGovernor(GovernorConfig{Concurrency: limit})
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := g.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			defer p.Release()

			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
		}()
	}
	wg.Wait()

	if peak.Load() != limit {
		t.Errorf("Expected exactly %d concurrent holders at peak, got %d", limit, peak.Load())
	}
	if g.InUse() != 0 {
		t.Errorf("Expected all permits released, got %d in use", g.InUse())
	}
}

func TestGovernor_ReleaseIsIdempotent(t *testing.T) {
	g := NewGovernor(GovernorConfig{Concurrency: 1})
	p, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	p.Release()
	p.Release()

	if g.InUse() != 0 {
		t.Errorf("Expected 0 permits in use, got %d", g.InUse())
	}
	if _, err := g.TryAcquire(); err != nil {
		t.Errorf("Expected the single slot to be free, got %v", err)
	}
}

func TestGovernor_CloseReleasesWaiters(t *testing.T) {
	g := NewGovernor(GovernorConfig{Concurrency: 1})
	held, err := g.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	const waiters = 5
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := g.Acquire(context.Background())
			errs <- err
		}()
	}

	time.Sleep(20 * time.Millisecond)
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			if !serrors.IsCode(err, serrors.CodeCanceled) {
				t.Errorf("Expected CANCELED, got %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Blocked acquirer was not released by Close")
		}
	}

	held.Release()
	if _, err := g.Acquire(context.Background()); err == nil {
		t.Error("Expected Acquire on a closed governor to fail")
	}
	if err := g.Close(); err != nil {
		t.Errorf("Second Close failed: %v", err)
	}
}

func TestGovernor_RateCeiling(t *testing.T) {
	g := NewGovernor(GovernorConfig{Concurrency: 10, RateLimit: 20, Burst: 1})

	var waited []time.Duration
	g.OnWait(func(d time.Duration) { waited = append(waited, d) })

	start := time.Now()
	for i := 0; i < 5; i++ {
		p, err := g.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		p.Release()
	}

	// Four refills at 20/s take at least 200ms.
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("Expected the rate ceiling to spread acquisitions, took %v", elapsed)
	}
	if len(waited) != 5 {
		t.Errorf("Expected 5 wait observations, got %d", len(waited))
	}
}
