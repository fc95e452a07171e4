package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"ratelimit-engine/internal/config"
	"ratelimit-engine/internal/infra/worker"
	"ratelimit-engine/pkg/ratelimit"
)

// NewPurgeCmd creates the purge command, a one-off run of the cleanup that
// ratelimitd schedules.
func NewPurgeCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete expired windows from PostgreSQL",
		Long: "Delete rate_limit_windows rows whose window ended more than --retention ago.\n" +
			"Rows holding an active block are kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := quietLogger()
			purgeCfg := worker.LoadConfigFromEnv(logger, nil)
			if cmd.Flags().Changed("retention") {
				purgeCfg.Retention = retention
			}
			if err := purgeCfg.Validate(); err != nil {
				return fmt.Errorf("%w: %w", ratelimit.ErrInvalidConfig, err)
			}

			ctx := cmd.Context()
			s, err := openStores(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer s.close(ctx)

			w, err := worker.NewPurgeWorker(s.durable, purgeCfg, nil, logger, nil)
			if err != nil {
				return err
			}
			n, err := w.RunOnce(ctx)
			if err != nil {
				return fmt.Errorf("purge: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired windows (retention %s).\n", n, purgeCfg.Retention)
			return nil
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", worker.DefaultConfig().Retention,
		"Keep windows that ended less than this long ago (1m-720h)")
	return cmd
}
