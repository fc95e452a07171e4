package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"ratelimit-engine/internal/config"
	"ratelimit-engine/pkg/ratelimit"
)

// NewProbeCmd creates the probe command.
func NewProbeCmd() *cobra.Command {
	var (
		module  string
		actor   string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check that the configured backends answer",
		Long: `Ping PostgreSQL and, when REDIS_URL is set, Redis and report the latency.

With --module and --actor the current window of that actor is read from
each backend without consuming quota.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (module == "") != (actor == "") {
				return errors.New("--module and --actor must be given together")
			}

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			var moduleCfg ratelimit.RateLimitConfig
			if module != "" {
				modules, err := cfg.LoadModules()
				if err != nil {
					return err
				}
				var ok bool
				if moduleCfg, ok = modules[module]; !ok {
					return fmt.Errorf("%w: %q", ratelimit.ErrUnknownModule, module)
				}
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			s, err := openStores(ctx, cfg, quietLogger())
			if err != nil {
				return err
			}
			defer s.close(context.Background())

			targets := []probeTarget{{name: "postgres", pinger: s.durable, store: s.durable}}
			if s.redis != nil {
				targets = append(targets, probeTarget{name: "redis", pinger: s.redis, store: s.redis})
			}

			var errs []error
			for _, t := range targets {
				var peek *ratelimit.ConsumeParams
				if module != "" {
					peek = &ratelimit.ConsumeParams{
						Key:    ratelimit.Key{ActorKey: actor, Module: module},
						Config: moduleCfg,
					}
				}
				if err := t.run(ctx, cmd.OutOrStdout(), peek); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", t.name, err))
				}
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&module, "module", "", "Module whose window to read")
	cmd.Flags().StringVar(&actor, "actor", "", "Actor key whose window to read")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Overall probe timeout")
	return cmd
}

type pinger interface {
	Ping(ctx context.Context) error
}

type probeTarget struct {
	name   string
	pinger pinger
	store  ratelimit.Store
}

// run pings the target and, when peek is set, reads the window without
// incrementing it.
func (t probeTarget) run(ctx context.Context, out io.Writer, peek *ratelimit.ConsumeParams) error {
	start := time.Now()
	if err := t.pinger.Ping(ctx); err != nil {
		fmt.Fprintf(out, "%-8s  DOWN  %v\n", t.name, err)
		return err
	}
	fmt.Fprintf(out, "%-8s  UP    %s\n", t.name, time.Since(start).Round(time.Microsecond))

	if peek == nil {
		return nil
	}
	p := *peek
	p.Increment = false
	result, _, err := t.store.Consume(ctx, p)
	if err != nil {
		return fmt.Errorf("read window: %w", err)
	}
	fmt.Fprintf(out, "          %s/%s remaining=%d reset=%s",
		p.Key.Module, p.Key.ActorKey, result.Remaining, result.ResetTime.Format(time.RFC3339))
	if result.BlockedUntil != nil {
		fmt.Fprintf(out, " blocked_until=%s", result.BlockedUntil.Format(time.RFC3339))
	}
	fmt.Fprintln(out)
	return nil
}
