package db

import (
	"context"
	"database/sql"
	"encoding/binary"
	"net/netip"
	"time"

	"github.com/lib/pq"
)

// CountryRange maps an inclusive IPv4 range to an ISO country code.
type CountryRange struct {
	Start   netip.Addr
	End     netip.Addr
	Country string
}

// CountryDataset describes the stored dataset.
type CountryDataset struct {
	SourceURL string    `db:"source_url"`
	Ranges    int       `db:"ranges"`
	UpdatedAt time.Time `db:"updated_at"`
}

// CountryRepository stores the IP-to-country dataset.
type CountryRepository struct {
	db *DB
}

// NewCountryRepository creates a new country repository.
func NewCountryRepository(db *DB) *CountryRepository {
	return &CountryRepository{db: db}
}

func ipv4Int(addr netip.Addr) (int64, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return int64(binary.BigEndian.Uint32(b[:])), true
}

// ReplaceRanges swaps the whole dataset in one transaction so lookups never
// see a partial table. Non-IPv4 ranges are skipped; the stored count is
// returned.
func (r *CountryRepository) ReplaceRanges(ctx context.Context, sourceURL string, ranges []CountryRange) (int, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return 0, sanitizeDBError("begin country update", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM country_ranges`); err != nil {
		return 0, sanitizeDBError("clear country ranges", err)
	}

	stmt, err := tx.PrepareContext(ctx, pq.CopyIn("country_ranges", "start_ip", "end_ip", "country"))
	if err != nil {
		return 0, sanitizeDBError("prepare country copy", err)
	}

	stored := 0
	for _, cr := range ranges {
		start, ok1 := ipv4Int(cr.Start)
		end, ok2 := ipv4Int(cr.End)
		if !ok1 || !ok2 || end < start {
			continue
		}
		if _, err := stmt.ExecContext(ctx, start, end, cr.Country); err != nil {
			_ = stmt.Close()
			return 0, sanitizeDBError("copy country range", err)
		}
		stored++
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		_ = stmt.Close()
		return 0, sanitizeDBError("flush country copy", err)
	}
	if err := stmt.Close(); err != nil {
		return 0, sanitizeDBError("close country copy", err)
	}

	metaQuery := `
		INSERT INTO country_metadata (id, source_url, ranges, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id)
		DO UPDATE SET source_url = EXCLUDED.source_url, ranges = EXCLUDED.ranges, updated_at = NOW()`
	if _, err := tx.ExecContext(ctx, metaQuery, sourceURL, stored); err != nil {
		return 0, sanitizeDBError("record country dataset", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, sanitizeDBError("commit country update", err)
	}
	return stored, nil
}

// Lookup returns the country containing addr, or "" when no range does.
func (r *CountryRepository) Lookup(ctx context.Context, addr netip.Addr) (string, error) {
	ip, ok := ipv4Int(addr)
	if !ok {
		return "", nil
	}

	// The nearest range starting at or below ip is the only candidate; its
	// end bound decides the match.
	query := `
		SELECT country, end_ip FROM country_ranges
		WHERE start_ip <= $1
		ORDER BY start_ip DESC
		LIMIT 1`
	var row struct {
		Country string `db:"country"`
		EndIP   int64  `db:"end_ip"`
	}
	err := r.db.GetContext(ctx, &row, query, ip)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", sanitizeDBError("lookup country", err)
	}
	if ip > row.EndIP {
		return "", nil
	}
	return row.Country, nil
}

// Dataset returns metadata about the stored dataset, or nil when none has
// been loaded.
func (r *CountryRepository) Dataset(ctx context.Context) (*CountryDataset, error) {
	var ds CountryDataset
	err := r.db.GetContext(ctx, &ds, `SELECT source_url, ranges, updated_at FROM country_metadata WHERE id = 1`)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, sanitizeDBError("load country dataset", err)
	}
	return &ds, nil
}
