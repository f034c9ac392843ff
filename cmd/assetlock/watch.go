package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkt.systems/assetlock"
	"pkt.systems/assetlock/internal/svcfields"
)

func newWatchCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the lock cache synchronized until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := svcfields.WithSubsystem(c.baseLogger, "cli.watch")
			cfg, err := c.config()
			if err != nil {
				return err
			}
			telemetry, err := assetlock.StartTelemetry(ctx, cfg.Telemetry, c.baseLogger)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = telemetry.Shutdown(shutdownCtx)
			}()

			s, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer s.close()
			logger.Info("cli.watch.started",
				"repo", cfg.RepoRoot,
				"identity", s.Identity(),
				"backend", s.Mode(),
				"metrics", telemetry.Addr("metrics"),
			)

			report := c.v.GetDuration("status-interval")
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if report <= 0 {
					<-gctx.Done()
					return gctx.Err()
				}
				ticker := time.NewTicker(report)
				defer ticker.Stop()
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case <-ticker.C:
						st := s.Status()
						logger.Info("cli.watch.status",
							"backend", st.Backend,
							"records", st.Records,
							"queued", st.Queued,
							"cycles", st.Cycles,
							"last_error", st.LastErr,
						)
						if err := s.SaveCache(); err != nil {
							logger.Warn("cli.watch.save_failed", "error", err)
						}
					}
				}
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			logger.Info("cli.watch.stopping")
			return nil
		},
	}
	flags := cmd.Flags()
	flags.String("metrics-listen", "", "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", "", "pprof debug listener (empty disables)")
	flags.String("otlp-endpoint", "", "OTLP trace collector (e.g. grpc://localhost:4317)")
	flags.Bool("runtime-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.Duration("status-interval", time.Minute, "how often to log status and checkpoint the cache (0 disables)")
	for _, name := range []string{"metrics-listen", "pprof-listen", "otlp-endpoint", "runtime-metrics", "status-interval"} {
		if err := c.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	return cmd
}
