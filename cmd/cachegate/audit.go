package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/audit"
	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/models"
	"github.com/spf13/cobra"
)

func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query and manage the request log",
	}

	cmd.AddCommand(
		newAuditSearchCmd(),
		newAuditStatsCmd(),
		newAuditPruneCmd(),
	)
	return cmd
}

func newAuditSearchCmd() *cobra.Command {
	var (
		configPath string
		model      string
		since      string
		keyPrefix  string
		requestID  string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Search request log entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			opts := models.AuditQueryOpts{
				Model:     model,
				KeyPrefix: keyPrefix,
				RequestID: requestID,
				Limit:     limit,
			}
			if since != "" {
				t, err := time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
				opts.Since = t
			}

			entries, err := l.Query(context.Background(), opts)
			if err != nil {
				return err
			}
			fmt.Print(formatAuditEntries(entries))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&model, "model", "", "filter by model")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&keyPrefix, "key-prefix", "", "filter by credential digest prefix")
	cmd.Flags().StringVar(&requestID, "request-id", "", "filter by request ID")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries to return")

	return cmd
}

func newAuditStatsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show request counts by model and day",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := l.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Print(formatAuditStats(stats))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newAuditPruneCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete request log entries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := l.Cleanup(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Deleted %d request log entries.\n", deleted)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func loadConfigOrDefault(configPath string) (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func openAuditLogger(configPath string) (*audit.Logger, func(), error) {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return nil, nil, err
	}

	l, err := audit.New(cfg.AuditDBPath(), cfg.Audit.RetentionDays)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit db: %w", err)
	}
	return l, func() { _ = l.Close() }, nil
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No request log entries found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-12s %-6s %6s %8s %10s %-20s\n",
		"REQUEST ID", "MODEL", "ROUTE", "CACHE", "STATUS", "LATENCY", "TOKENS", "TIME")
	b.WriteString(strings.Repeat("-", 128) + "\n")
	for _, e := range entries {
		cache := "miss"
		if e.CacheHit {
			cache = "hit"
		}
		fmt.Fprintf(&b, "%-38s %-20s %-12s %-6s %6d %6dms %10d %-20s\n",
			e.RequestID, e.Model, e.Route, cache, e.StatusCode,
			e.LatencyMs, e.TotalTokens,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

func formatAuditStats(stats []models.AuditStat) string {
	if len(stats) == 0 {
		return "No request log stats found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-12s %8s\n", "MODEL", "DAY", "COUNT")
	b.WriteString(strings.Repeat("-", 48) + "\n")
	for _, s := range stats {
		fmt.Fprintf(&b, "%-25s %-12s %8d\n", s.Model, s.Day, s.Count)
	}
	return b.String()
}
