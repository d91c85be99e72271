package scanning

import "time"

// Checkpoint is the persisted discovery position. Seed and Cursor together
// re-derive the permutation position, so a restarted sweep resumes where the
// previous process stopped.
type Checkpoint struct {
	Mode      Mode
	Seed      uint64
	Pass      uint64
	Cursor    uint64
	Total     uint64
	UpdatedAt time.Time
}

// Rewind moves the cursor back by n, not below zero. Attempts that were in
// flight when the checkpoint was taken are re-probed after a restart.
func (c Checkpoint) Rewind(n uint64) Checkpoint {
	if c.Cursor < n {
		c.Cursor = 0
	} else {
		c.Cursor -= n
	}
	return c
}
