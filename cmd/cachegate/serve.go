package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/cachegate-ai/cachegate/pkg/audit"
	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/logging"
	"github.com/cachegate-ai/cachegate/pkg/proxy"
	"github.com/cachegate-ai/cachegate/pkg/resolve"
	"github.com/cachegate-ai/cachegate/pkg/store"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the caching proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.Setup(logging.Config{
				Level:  cfg.Log.Level,
				Pretty: cfg.Log.Pretty,
			})

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.Open(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			resolver := resolve.New(st, cfg)

			var auditor *audit.Logger
			if cfg.Audit.Enabled {
				auditor, err = audit.New(cfg.AuditDBPath(), cfg.Audit.RetentionDays)
				if err != nil {
					return fmt.Errorf("open audit db: %w", err)
				}
				defer func() { _ = auditor.Close() }()

				retention := audit.NewRetention(auditor, cfg.Audit.PruneSchedule)
				if err := retention.Start(); err != nil {
					return fmt.Errorf("start audit retention: %w", err)
				}
				defer retention.Stop()
			}

			srv := proxy.New(cfg, st, resolver, auditor)

			watcher := config.NewWatcher(configPath, logging.NewLogger("config"))
			go func() {
				err := watcher.Watch(ctx, func(next *config.Config) {
					srv.UpdateConfig(next)
					resolver.UpdateConfig(next)
					logging.SetLevel(next.Log.Level)
				})
				if err != nil {
					log.Warn().Err(err).Msg("Config reload disabled")
				}
			}()

			log.Info().Str("config", configPath).Str("backend", cfg.Cache.Backend).Msg("Starting cachegate")
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "cachegate.yaml", "path to config file")
	return cmd
}
