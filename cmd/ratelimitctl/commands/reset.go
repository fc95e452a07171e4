package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"ratelimit-engine/internal/config"
	"ratelimit-engine/pkg/ratelimit"
)

// NewResetCmd creates the reset command.
func NewResetCmd() *cobra.Command {
	var (
		module string
		actor  string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear stored rate limit windows",
		Long: `Clear stored windows and blocks in PostgreSQL and, when REDIS_URL is set, in Redis.

Unlike DELETE /v1/cache, which resets only the backend currently serving,
this command clears both stores so that a later failover cannot resurrect
stale counters.`,
		Example: `  ratelimitctl reset --module chat --actor user:42
  ratelimitctl reset --module chat
  ratelimitctl reset --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := ratelimit.ResetFilter{ActorKey: actor, Module: module}
			if f.IsGlobal() && !all {
				return errors.New("--module or --actor is required; pass --all to reset everything")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if f.Module != "" {
				modules, err := cfg.LoadModules()
				if err != nil {
					return err
				}
				if _, ok := modules[f.Module]; !ok {
					return fmt.Errorf("%w: %q", ratelimit.ErrUnknownModule, f.Module)
				}
			}

			ctx := cmd.Context()
			s, err := openStores(ctx, cfg, quietLogger())
			if err != nil {
				return err
			}
			defer s.close(ctx)

			var errs []error
			if err := s.durable.ResetCache(ctx, f); err != nil {
				errs = append(errs, fmt.Errorf("postgres: %w", err))
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "postgres: reset")
			}
			if s.redis != nil {
				if err := s.redis.ResetCache(ctx, f); err != nil {
					errs = append(errs, fmt.Errorf("redis: %w", err))
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "redis: reset")
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "Module to reset")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor key to reset (e.g. user:42, ip:<hash>)")
	cmd.Flags().BoolVar(&all, "all", false, "Reset every actor of every module")
	cmd.MarkFlagsMutuallyExclusive("all", "module")
	cmd.MarkFlagsMutuallyExclusive("all", "actor")
	return cmd
}

// quietLogger sends store warnings to stderr and drops the rest.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
