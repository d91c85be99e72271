package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/db"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 1000
	maxMOTDWidth      = 40
	timestampLayout   = "2006-01-02 15:04"
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

var (
	serversSearch   string
	serversSoftware []string
	serversVersion  []string
	serversCountry  string
	serversSort     string
	serversLimit    int
	serversOffset   int
	serversOutput   string
)

// serversCmd lists the server index.
var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List indexed servers",
	Long: `List servers from the index with optional filters. The search term
matches the formatted MOTD or the address.`,
	Example: `  serverseeker servers
  serverseeker servers --sort players --limit 20
  serverseeker servers --software paper,purpur --country DE
  serverseeker servers --search survival --output json`,
	RunE: runServers,
}

// statsCmd prints index totals.
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index totals and recent discovery rates",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(serversCmd)
	rootCmd.AddCommand(statsCmd)

	f := serversCmd.Flags()
	f.StringVar(&serversSearch, "search", "", "Match MOTD or address text")
	f.StringSliceVar(&serversSoftware, "software", nil, "Filter by software (vanilla, paper, spigot, ...)")
	f.StringSliceVar(&serversVersion, "version", nil, "Filter by version name")
	f.StringVar(&serversCountry, "country", "", "Filter by two-letter country code")
	f.StringVar(&serversSort, "sort", string(db.SortLastSeen), "Sort by last_seen, first_seen or players")
	f.IntVar(&serversLimit, "limit", defaultListLimit, "Maximum number of servers to show")
	f.IntVar(&serversOffset, "offset", 0, "Number of servers to skip")
	f.StringVarP(&serversOutput, "output", "o", outputFormatTable, "Output format: table or json")

	statsCmd.Flags().StringVarP(&serversOutput, "output", "o", outputFormatTable, "Output format: table or json")
}

// buildServerFilters validates the flag values.
func buildServerFilters() (db.ServerFilters, error) {
	filters := db.ServerFilters{
		Search:   strings.TrimSpace(serversSearch),
		Software: serversSoftware,
		Version:  serversVersion,
		Country:  strings.ToUpper(strings.TrimSpace(serversCountry)),
		Sort:     db.ServerSort(serversSort),
	}

	switch filters.Sort {
	case db.SortLastSeen, db.SortFirstSeen, db.SortPlayers:
	default:
		return filters, fmt.Errorf("invalid sort %q (want last_seen, first_seen or players)", serversSort)
	}
	if filters.Country != "" && len(filters.Country) != 2 {
		return filters, fmt.Errorf("invalid country code %q", serversCountry)
	}
	if serversLimit <= 0 || serversLimit > maxListLimit {
		return filters, fmt.Errorf("limit must be between 1 and %d", maxListLimit)
	}
	if serversOffset < 0 {
		return filters, fmt.Errorf("offset must not be negative")
	}
	if err := validateOutputFormat(serversOutput); err != nil {
		return filters, err
	}
	return filters, nil
}

func validateOutputFormat(format string) error {
	if format != outputFormatTable && format != outputFormatJSON {
		return fmt.Errorf("invalid output format %q (want table or json)", format)
	}
	return nil
}

func runServers(cmd *cobra.Command, _ []string) error {
	filters, err := buildServerFilters()
	if err != nil {
		return err
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		servers, total, err := db.NewServerRepository(database).List(ctx, filters, serversOffset, serversLimit)
		if err != nil {
			return fmt.Errorf("error querying servers: %w", err)
		}

		out := cmd.OutOrStdout()
		if serversOutput == outputFormatJSON {
			return writeJSON(out, struct {
				Servers []*db.Server `json:"servers"`
				Total   int64        `json:"total"`
			}{Servers: servers, Total: total})
		}
		renderServers(out, servers, total)
		return nil
	})
}

func runStats(cmd *cobra.Command, _ []string) error {
	if err := validateOutputFormat(serversOutput); err != nil {
		return err
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		stats, err := db.NewServerRepository(database).Stats(ctx, time.Now())
		if err != nil {
			return fmt.Errorf("error querying stats: %w", err)
		}

		if serversOutput == outputFormatJSON {
			return writeJSON(cmd.OutOrStdout(), stats)
		}
		renderStats(cmd.OutOrStdout(), stats)
		return nil
	})
}

func renderServers(w io.Writer, servers []*db.Server, total int64) {
	if len(servers) == 0 {
		fmt.Fprintln(w, "No servers found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Address", "Software", "Version", "Players", "Country", "MOTD", "Last Seen")
	for _, s := range servers {
		_ = table.Append([]string{
			joinAddress(s.Address, s.Port),
			s.Software,
			derefOr(s.Version, "-"),
			formatPlayers(s.OnlinePlayers, s.MaxPlayers),
			derefOr(s.Country, "-"),
			truncate(derefOr(s.DescriptionFormatted, ""), maxMOTDWidth),
			formatUnix(s.LastSeen),
		})
	}
	_ = table.Render()
	fmt.Fprintf(w, "Showing %d of %d servers\n", len(servers), total)
}

func renderStats(w io.Writer, stats *db.ServerStats) {
	table := tablewriter.NewWriter(w)
	table.Header("Metric", "Value")
	_ = table.Append([]string{"servers", strconv.FormatInt(stats.TotalServers, 10)})
	_ = table.Append([]string{"players online", strconv.FormatInt(stats.TotalOnline, 10)})
	_ = table.Append([]string{"discovered last minute", strconv.FormatInt(stats.DiscoveredMinute, 10)})
	_ = table.Append([]string{"discovered last hour", strconv.FormatInt(stats.DiscoveredHour, 10)})
	_ = table.Append([]string{"database size", stats.DatabaseSize})
	_ = table.Render()

	if len(stats.SoftwareBreakdown) == 0 {
		return
	}

	type entry struct {
		software string
		count    int64
	}
	entries := make([]entry, 0, len(stats.SoftwareBreakdown))
	for software, count := range stats.SoftwareBreakdown {
		entries = append(entries, entry{software, count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].count != entries[j].count {
			return entries[i].count > entries[j].count
		}
		return entries[i].software < entries[j].software
	})

	breakdown := tablewriter.NewWriter(w)
	breakdown.Header("Software", "Servers")
	for _, e := range entries {
		_ = breakdown.Append([]string{e.software, strconv.FormatInt(e.count, 10)})
	}
	_ = breakdown.Render()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinAddress(addr string, port int) string {
	if strings.Contains(addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

func formatPlayers(online, maxPlayers *int) string {
	if online == nil {
		return "-"
	}
	if maxPlayers == nil {
		return strconv.Itoa(*online)
	}
	return fmt.Sprintf("%d/%d", *online, *maxPlayers)
}

func formatUnix(sec int64) string {
	if sec <= 0 {
		return "-"
	}
	return time.Unix(sec, 0).UTC().Format(timestampLayout)
}

func derefOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

// truncate shortens s to at most n runes and flattens line breaks.
func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n-3]) + "..."
}
