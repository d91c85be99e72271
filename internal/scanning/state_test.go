package scanning

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSweepStateCounters(t *testing.T) {
	s := NewSweepState(ModeDiscovery)
	assert.NotEmpty(t, s.ID())
	assert.Equal(t, PhaseRunning, s.Phase())

	s.BeginPass(2, 10, 100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordAttempt()
			if i%5 == 0 {
				s.RecordOutcome(OutcomeSuccess)
			} else {
				s.RecordOutcome(OutcomeTimeout)
			}
		}(i)
	}
	wg.Wait()
	s.SetCursor(60)
	s.SetPhase(PhaseDraining)

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Pass)
	assert.Equal(t, uint64(60), snap.Cursor)
	assert.Equal(t, uint64(100), snap.Total)
	assert.Equal(t, PhaseDraining, snap.Phase)
	assert.Equal(t, uint64(50), snap.Attempted)
	assert.Equal(t, uint64(10), snap.Succeeded)
	assert.Equal(t, uint64(40), snap.Failed)
	assert.Equal(t, map[OutcomeKind]uint64{OutcomeSuccess: 10, OutcomeTimeout: 40}, snap.ByOutcome)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "running", PhaseRunning.String())
	assert.Equal(t, "draining", PhaseDraining.String())
	assert.Equal(t, "complete", PhaseComplete.String())
}
