package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/anstrom/serverseeker/internal/scanning"
)

// CheckpointRepository persists sweep positions in sweep_checkpoints.
type CheckpointRepository struct {
	db *DB
}

// NewCheckpointRepository creates a new checkpoint repository.
func NewCheckpointRepository(db *DB) *CheckpointRepository {
	return &CheckpointRepository{db: db}
}

type checkpointRow struct {
	Mode      string    `db:"mode"`
	Seed      int64     `db:"seed"`
	Pass      int64     `db:"pass"`
	Cursor    int64     `db:"cursor"`
	Total     int64     `db:"total"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Load returns the checkpoint saved for mode. The boolean is false when no
// checkpoint exists yet.
func (r *CheckpointRepository) Load(ctx context.Context, mode scanning.Mode) (scanning.Checkpoint, bool, error) {
	query := `SELECT mode, seed, pass, cursor, total, updated_at FROM sweep_checkpoints WHERE mode = $1`

	var row checkpointRow
	err := r.db.GetContext(ctx, &row, query, mode.String())
	if err == sql.ErrNoRows {
		return scanning.Checkpoint{}, false, nil
	}
	if err != nil {
		return scanning.Checkpoint{}, false, sanitizeDBError("load checkpoint", err)
	}

	// Seeds use the full uint64 range and are stored bit for bit in BIGINT.
	return scanning.Checkpoint{
		Mode:      mode,
		Seed:      uint64(row.Seed),
		Pass:      uint64(row.Pass),
		Cursor:    uint64(row.Cursor),
		Total:     uint64(row.Total),
		UpdatedAt: row.UpdatedAt,
	}, true, nil
}

// Save stores cp, replacing any previous checkpoint for its mode.
func (r *CheckpointRepository) Save(ctx context.Context, cp scanning.Checkpoint) error {
	query := `
		INSERT INTO sweep_checkpoints (mode, seed, pass, cursor, total, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (mode)
		DO UPDATE SET
			seed = EXCLUDED.seed,
			pass = EXCLUDED.pass,
			cursor = EXCLUDED.cursor,
			total = EXCLUDED.total,
			updated_at = NOW()`

	_, err := r.db.ExecContext(ctx, query,
		cp.Mode.String(), int64(cp.Seed), int64(cp.Pass), int64(cp.Cursor), int64(cp.Total))
	if err != nil {
		return sanitizeDBError("save checkpoint", err)
	}
	return nil
}
