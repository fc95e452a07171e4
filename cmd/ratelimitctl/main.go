// Command ratelimitctl is the operator tool for the rate limiter: it resets
// counters, validates configuration, runs migrations and probes backends.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"ratelimit-engine/cmd/ratelimitctl/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "ratelimitctl",
		Short:         "Operator tool for the rate limiter",
		Long:          "Reset counters, validate configuration, run migrations, purge expired windows and probe backends.\nSettings are read from the same environment variables as ratelimitd.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewResetCmd())
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewMigrateCmd())
	rootCmd.AddCommand(commands.NewProbeCmd())
	rootCmd.AddCommand(commands.NewPurgeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
