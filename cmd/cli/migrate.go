package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/serverseeker/internal/config"
	"github.com/anstrom/serverseeker/internal/db"
)

var migrateForce bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
	Long: `Apply, inspect or reset the embedded schema migrations. Running the
crawler applies pending migrations as well; this command is for doing it
ahead of time.`,
	Example: `  serverseeker migrate up
  serverseeker migrate status
  serverseeker migrate reset --force`,
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			applied, err := db.NewMigrator(database.DB).Up(ctx)
			if err != nil {
				return err
			}
			if applied == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "List migrations and whether they are applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			statuses, err := db.NewMigrator(database.DB).Status(ctx)
			if err != nil {
				return err
			}
			renderMigrations(cmd.OutOrStdout(), statuses)
			return nil
		})
	},
}

var migrateResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all serverseeker tables and re-apply migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !migrateForce {
			return fmt.Errorf("reset deletes the whole server index; pass --force to confirm")
		}
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			if err := db.NewMigrator(database.DB).Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database reset complete")
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateResetCmd)

	migrateResetCmd.Flags().BoolVar(&migrateForce, "force", false, "Confirm dropping all data")
}

func renderMigrations(w io.Writer, statuses []db.MigrationStatus) {
	table := tablewriter.NewWriter(w)
	table.Header("Migration", "Status", "Applied At")
	for _, s := range statuses {
		state, appliedAt := "pending", "-"
		if s.Applied {
			state = "applied"
			appliedAt = s.AppliedAt.UTC().Format(timestampLayout)
		}
		if s.Modified {
			state += " (modified)"
		}
		_ = table.Append([]string{s.Name, state, appliedAt})
	}
	_ = table.Render()
}
