package cli

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/country"
	"github.com/anstrom/serverseeker/internal/db"
	"github.com/anstrom/serverseeker/internal/logging"
)

var countrySource string

var countryCmd = &cobra.Command{
	Use:   "country",
	Short: "Maintain the IP-to-country dataset",
}

var countrySyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download the country dataset and replace the stored one",
	Example: `  serverseeker country sync
  serverseeker country sync --source https://example.com/ip2country.csv.gz`,
	RunE: runCountrySync,
}

var countryLookupCmd = &cobra.Command{
	Use:     "lookup [IP]",
	Short:   "Show the country of an IPv4 address",
	Example: `  serverseeker country lookup 1.1.1.1`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCountryLookup,
}

func init() {
	rootCmd.AddCommand(countryCmd)
	countryCmd.AddCommand(countrySyncCmd)
	countryCmd.AddCommand(countryLookupCmd)

	countrySyncCmd.Flags().StringVar(&countrySource, "source", "",
		"Dataset URL (default is country_tracking.source_url)")
}

func runCountrySync(cmd *cobra.Command, _ []string) error {
	return withDatabase(cmd.Context(), func(ctx context.Context, cfg *config.Config, database *db.DB) error {
		source := countrySource
		if source == "" {
			source = cfg.CountryTracking.SourceURL
		}
		if source == "" {
			return fmt.Errorf("no dataset URL; set country_tracking.source_url or --source")
		}

		tracker, err := country.New(country.Config{
			SourceURL:       source,
			UpdateFrequency: time.Duration(cfg.CountryTracking.UpdateFrequency) * time.Hour,
			CacheSize:       cfg.CountryTracking.CacheSize,
		}, db.NewCountryRepository(database), country.WithLogger(logging.Default()))
		if err != nil {
			return err
		}
		defer tracker.Stop()

		n, err := tracker.Sync(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Stored %d country ranges\n", n)
		return nil
	})
}

func runCountryLookup(cmd *cobra.Command, args []string) error {
	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		return fmt.Errorf("invalid IP address %q: %w", args[0], err)
	}
	if !addr.Unmap().Is4() {
		return fmt.Errorf("only IPv4 addresses are tracked")
	}

	return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
		code, err := db.NewCountryRepository(database).Lookup(ctx, addr.Unmap())
		if err != nil {
			return err
		}
		if code == "" {
			code = "unknown"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", addr.Unmap(), code)
		return nil
	})
}
