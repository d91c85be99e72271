package db

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/anstrom/serverseeker/internal/scanning"
)

// Server is a row of the servers table.
type Server struct {
	Address              string         `db:"address" json:"address"`
	Port                 int            `db:"port" json:"port"`
	Software             string         `db:"software" json:"software"`
	Version              *string        `db:"version" json:"version,omitempty"`
	Protocol             *int           `db:"protocol" json:"protocol,omitempty"`
	Country              *string        `db:"country" json:"country,omitempty"`
	OnlinePlayers        *int           `db:"online_players" json:"online_players,omitempty"`
	MaxPlayers           *int           `db:"max_players" json:"max_players,omitempty"`
	PlayersSample        pq.StringArray `db:"players_sample" json:"players_sample"`
	DescriptionRaw       *string        `db:"description_raw" json:"description_raw,omitempty"`
	DescriptionFormatted *string        `db:"description_formatted" json:"description_formatted,omitempty"`
	Variant              string         `db:"variant" json:"variant"`
	LatencyMS            *int           `db:"latency_ms" json:"latency_ms,omitempty"`
	FirstSeen            int64          `db:"first_seen" json:"first_seen"`
	LastSeen             int64          `db:"last_seen" json:"last_seen"`
	LastChecked          int64          `db:"last_checked" json:"last_checked"`
	LastOutcome          string         `db:"last_outcome" json:"last_outcome"`
	ConsecutiveFailures  int            `db:"consecutive_failures" json:"consecutive_failures"`
}

// ServerSort orders server listings.
type ServerSort string

const (
	SortLastSeen  ServerSort = "last_seen"
	SortFirstSeen ServerSort = "first_seen"
	SortPlayers   ServerSort = "players"
)

var serverOrder = map[ServerSort]string{
	SortLastSeen:  "last_seen DESC",
	SortFirstSeen: "first_seen DESC",
	SortPlayers:   "online_players DESC NULLS LAST",
}

// ServerFilters narrows a server listing.
type ServerFilters struct {
	// Search matches the formatted MOTD or the address text.
	Search   string
	Software []string
	Version  []string
	Country  string
	Sort     ServerSort
}

// ServerStats are the aggregate index figures.
type ServerStats struct {
	TotalServers      int64  `db:"total_servers"`
	TotalOnline       int64  `db:"total_online"`
	DiscoveredMinute  int64  `db:"discovered_minute"`
	DiscoveredHour    int64  `db:"discovered_hour"`
	DatabaseSize      string `db:"database_size"`
	SoftwareBreakdown map[string]int64
}

// ServerRepository stores indexed servers.
type ServerRepository struct {
	db *DB
}

// NewServerRepository creates a new server repository.
func NewServerRepository(db *DB) *ServerRepository {
	return &ServerRepository{db: db}
}

// Upsert records a successful status reply. first_seen is kept from the
// first insert; everything else reflects the newest reply.
func (r *ServerRepository) Upsert(ctx context.Context, rec scanning.ServerRecord) error {
	query := `
		INSERT INTO servers (
			address, port, software, version, protocol, country,
			online_players, max_players, players_sample,
			description_raw, description_formatted, favicon, variant,
			latency_ms, ping_ms, first_seen, last_seen, last_checked,
			last_outcome, consecutive_failures
		)
		VALUES (
			$1::inet, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12, $13,
			$14, $15, $16, $16, $16,
			'success', 0
		)
		ON CONFLICT (address, port)
		DO UPDATE SET
			software = EXCLUDED.software,
			version = EXCLUDED.version,
			protocol = EXCLUDED.protocol,
			country = COALESCE(EXCLUDED.country, servers.country),
			online_players = EXCLUDED.online_players,
			max_players = EXCLUDED.max_players,
			players_sample = EXCLUDED.players_sample,
			description_raw = EXCLUDED.description_raw,
			description_formatted = EXCLUDED.description_formatted,
			favicon = COALESCE(EXCLUDED.favicon, servers.favicon),
			variant = EXCLUDED.variant,
			latency_ms = EXCLUDED.latency_ms,
			ping_ms = EXCLUDED.ping_ms,
			last_seen = EXCLUDED.last_seen,
			last_checked = EXCLUDED.last_checked,
			last_outcome = 'success',
			consecutive_failures = 0`

	st := rec.Status
	if st == nil {
		return sanitizeDBError("upsert server", fmt.Errorf("record for %s has no status", rec.Target))
	}

	var online, limit *int
	sample := pq.StringArray{}
	if st.Players != nil {
		online, limit = &st.Players.Online, &st.Players.Max
		sample = append(sample, st.Players.Sample...)
	}
	protocol := int(st.ProtocolVersion)

	_, err := r.db.ExecContext(ctx, query,
		rec.Target.Addr.String(),
		int(rec.Target.Port),
		st.Software,
		nullString(st.VersionName),
		&protocol,
		nullString(rec.Country),
		online,
		limit,
		sample,
		nullString(st.MOTDRaw),
		nullString(st.MOTD),
		nullBytes(st.Favicon),
		st.Variant.String(),
		millis(rec.Latency),
		millis(rec.Ping),
		rec.ObservedAt.Unix(),
	)
	if err != nil {
		return sanitizeDBError("upsert server", err)
	}
	return nil
}

// MarkFailure records a failed re-check of a known server. Addresses that
// were never indexed are left alone.
func (r *ServerRepository) MarkFailure(ctx context.Context, rec scanning.ServerRecord) error {
	query := `
		UPDATE servers
		SET last_checked = $3,
			last_outcome = $4,
			consecutive_failures = consecutive_failures + 1
		WHERE address = $1::inet AND port = $2`

	_, err := r.db.ExecContext(ctx, query,
		rec.Target.Addr.String(), int(rec.Target.Port), rec.ObservedAt.Unix(), rec.Outcome.String())
	if err != nil {
		return sanitizeDBError("mark server failure", err)
	}
	return nil
}

// KnownTargets returns every indexed endpoint seen at or after since. A
// zero since returns all of them.
func (r *ServerRepository) KnownTargets(ctx context.Context, since time.Time) ([]scanning.ScanTarget, error) {
	query := `SELECT host(address) AS address, port FROM servers`
	var args []interface{}
	if !since.IsZero() {
		query += ` WHERE last_seen >= $1`
		args = append(args, since.Unix())
	}
	query += ` ORDER BY last_seen DESC`

	var rows []struct {
		Address string `db:"address"`
		Port    int    `db:"port"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, sanitizeDBError("list known targets", err)
	}

	targets := make([]scanning.ScanTarget, 0, len(rows))
	for _, row := range rows {
		addr, err := netip.ParseAddr(row.Address)
		if err != nil || row.Port <= 0 || row.Port > 65535 {
			continue
		}
		targets = append(targets, scanning.NewScanTarget(addr, uint16(row.Port)))
	}
	return targets, nil
}

// filterCondition is one WHERE fragment. The placeholder in clause is %d
// and is numbered when the clause is assembled.
type filterCondition struct {
	clause string
	value  interface{}
}

// buildWhereClause joins conditions with AND and numbers their placeholders.
func buildWhereClause(conditions []filterCondition) (whereClause string, args []interface{}) {
	if len(conditions) == 0 {
		return "", nil
	}

	clauses := make([]string, 0, len(conditions))
	for i, condition := range conditions {
		clauses = append(clauses, fmt.Sprintf(condition.clause, i+1))
		args = append(args, condition.value)
	}
	return "WHERE " + strings.Join(clauses, " AND "), args
}

func buildServerFilters(filters ServerFilters) (whereClause string, args []interface{}) {
	var conditions []filterCondition

	if filters.Search != "" {
		conditions = append(conditions, filterCondition{
			"(description_formatted ILIKE $%[1]d OR host(address) ILIKE $%[1]d)",
			"%" + filters.Search + "%",
		})
	}
	if len(filters.Software) > 0 {
		conditions = append(conditions, filterCondition{"software = ANY($%d)", pq.Array(filters.Software)})
	}
	if len(filters.Version) > 0 {
		conditions = append(conditions, filterCondition{"version = ANY($%d)", pq.Array(filters.Version)})
	}
	if filters.Country != "" {
		conditions = append(conditions, filterCondition{"country = $%d", strings.ToUpper(filters.Country)})
	}

	return buildWhereClause(conditions)
}

// List returns one page of servers matching filters and the total match
// count.
func (r *ServerRepository) List(ctx context.Context, filters ServerFilters, offset, limit int) ([]*Server, int64, error) {
	whereClause, args := buildServerFilters(filters)

	var total int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM servers %s", whereClause)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, sanitizeDBError("count servers", err)
	}

	order, ok := serverOrder[filters.Sort]
	if !ok {
		order = serverOrder[SortLastSeen]
	}

	argIndex := len(args)
	listQuery := fmt.Sprintf(`
		SELECT host(address) AS address, port, software, version, protocol, country,
			online_players, max_players, players_sample, description_raw,
			description_formatted, variant, latency_ms, first_seen, last_seen,
			last_checked, last_outcome, consecutive_failures
		FROM servers %s
		ORDER BY %s
		LIMIT $%d OFFSET $%d`, whereClause, order, argIndex+1, argIndex+2)
	args = append(args, limit, offset)

	var servers []*Server
	if err := r.db.SelectContext(ctx, &servers, listQuery, args...); err != nil {
		return nil, 0, sanitizeDBError("list servers", err)
	}
	return servers, total, nil
}

// Stats computes the index totals and recent discovery rates relative to now.
func (r *ServerRepository) Stats(ctx context.Context, now time.Time) (*ServerStats, error) {
	query := `
		SELECT
			COUNT(*) AS total_servers,
			COALESCE(SUM(online_players), 0) AS total_online,
			COUNT(*) FILTER (WHERE first_seen > $1) AS discovered_minute,
			COUNT(*) FILTER (WHERE first_seen > $2) AS discovered_hour,
			pg_size_pretty(pg_database_size(current_database())) AS database_size
		FROM servers`

	stats := &ServerStats{}
	err := r.db.GetContext(ctx, stats, query,
		now.Add(-time.Minute).Unix(), now.Add(-time.Hour).Unix())
	if err != nil {
		return nil, sanitizeDBError("server stats", err)
	}

	var breakdown []struct {
		Software string `db:"software"`
		Count    int64  `db:"count"`
	}
	breakdownQuery := `SELECT software, COUNT(*) AS count FROM servers GROUP BY software ORDER BY count DESC`
	if err := r.db.SelectContext(ctx, &breakdown, breakdownQuery); err != nil {
		return nil, sanitizeDBError("software breakdown", err)
	}
	stats.SoftwareBreakdown = make(map[string]int64, len(breakdown))
	for _, b := range breakdown {
		stats.SoftwareBreakdown[b.Software] = b.Count
	}
	return stats, nil
}

// Helper functions for nullable columns.

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func millis(d time.Duration) *int {
	if d <= 0 {
		return nil
	}
	ms := int(d.Milliseconds())
	return &ms
}
