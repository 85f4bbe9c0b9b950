package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/models"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		since      string
		withCost   bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-model usage and cache savings",
		RunE: func(cmd *cobra.Command, args []string) error {
			l, cleanup, err := openAuditLogger(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var sinceTime time.Time
			if since != "" {
				sinceTime, err = time.Parse("2006-01-02", since)
				if err != nil {
					return fmt.Errorf("invalid --since date (use YYYY-MM-DD): %w", err)
				}
			}

			ctx := context.Background()

			if withCost {
				cfg, err := loadConfigOrDefault(configPath)
				if err != nil {
					return err
				}
				report, err := l.CostReport(ctx, cfg.Pricing, sinceTime)
				if err != nil {
					return err
				}
				fmt.Print(formatCostReport(report))
				return nil
			}

			summaries, err := l.Summary(ctx, sinceTime)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No usage data found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tREQUESTS\tHITS\tPROMPT\tCOMPLETION\tTOTAL\tCACHED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					s.Model, s.RequestCount, s.CacheHits,
					s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.CachedTokens)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&since, "since", "", "start date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&withCost, "cost", false, "estimate spend and savings from the pricing table")
	return cmd
}

func formatCostReport(report *models.CostReport) string {
	if len(report.Lines) == 0 {
		return "No usage data found.\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %8s %12s %12s %12s %12s\n",
		"MODEL", "REQUESTS", "PROMPT", "COMPLETION", "COST", "SAVED")
	b.WriteString(strings.Repeat("-", 86) + "\n")
	for _, line := range report.Lines {
		cost, saved := "-", "-"
		if line.Priced {
			cost = "$" + line.Cost.StringFixed(4)
			saved = "$" + line.SavedCost.StringFixed(4)
		}
		fmt.Fprintf(&b, "%-25s %8d %12d %12d %12s %12s\n",
			line.Model, line.Requests, line.PromptTokens, line.CompletionTokens, cost, saved)
	}
	b.WriteString(strings.Repeat("-", 86) + "\n")
	fmt.Fprintf(&b, "%60s %12s %12s\n", "TOTAL:",
		"$"+report.TotalCost.StringFixed(4), "$"+report.TotalSaved.StringFixed(4))
	return b.String()
}
