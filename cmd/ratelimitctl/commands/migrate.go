package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"ratelimit-engine/internal/config"
	"ratelimit-engine/internal/infra/db"
)

// NewMigrateCmd creates the migrate command with up and down subcommands.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the rate_limit_windows schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Create the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, "up", db.MigrateUp)
		},
	})

	var confirm bool
	down := &cobra.Command{
		Use:   "down",
		Short: "Drop the schema and every stored window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm {
				return fmt.Errorf("migrate down drops all rate limit state; pass --yes to confirm")
			}
			return runMigration(cmd, "down", db.MigrateDown)
		},
	}
	down.Flags().BoolVar(&confirm, "yes", false, "Confirm dropping the schema")
	cmd.AddCommand(down)
	return cmd
}

func runMigration(cmd *cobra.Command, direction string, migrate func(context.Context, *sql.DB) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Backend == config.BackendMemory {
		return errMemoryBackend
	}

	ctx := cmd.Context()
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { _ = database.Close() }()

	if err := migrate(ctx, database); err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Migration %s applied.\n", direction)
	return nil
}
