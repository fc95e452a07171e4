package commands

import (
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ratelimit-engine/internal/config"
)

// NewConfigCmd creates the config command with its validate subcommand.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the rate limiter configuration",
	}
	cmd.AddCommand(newConfigValidateCmd())
	return cmd
}

func newConfigValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the environment and the module file",
		Long:  "Load the configuration exactly as ratelimitd does and print the resolved modules.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			modules, err := cfg.LoadModules()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			backend := cfg.Backend
			if cfg.UsesRedis() {
				backend += " (redis + postgres)"
			} else if cfg.Backend == config.BackendAuto {
				backend += " (postgres)"
			}
			fmt.Fprintf(out, "Backend: %s\n", backend)
			source := cfg.ModulesFile
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Fprintf(out, "Modules: %s\n\n", source)

			names := make([]string, 0, len(modules))
			for name := range modules {
				names = append(names, name)
			}
			slices.Sort(names)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODULE\tMAX\tWINDOW\tBLOCK\tWARN\tMODE")
			for _, name := range names {
				m := modules[name]
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n",
					name, m.MaxRequests, m.Window, m.BlockDuration, m.WarnThreshold, m.Mode)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintln(out, "\nConfiguration is valid.")
			return nil
		},
	}
}
