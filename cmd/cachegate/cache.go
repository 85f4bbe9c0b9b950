package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/config"
	"github.com/cachegate-ai/cachegate/pkg/store"
	"github.com/spf13/cobra"
)

func newCacheCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := st.Stats(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Entries:        %d\n", stats.Entries)
			fmt.Printf("Stream entries: %d\n", stats.StreamEntries)
			fmt.Printf("Endpoint pins:  %d\n", stats.Endpoints)
			if !stats.LastWrite.IsZero() {
				fmt.Printf("Last write:     %s\n", stats.LastWrite.Format(time.RFC3339))
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached response",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, cleanup, err := openStore(configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := st.Clear(context.Background()); err != nil {
				return err
			}
			fmt.Println("All cache entries cleared.")
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.AddCommand(statsCmd, clearCmd)
	return cmd
}

// openStore opens the cache store named by the config file, falling back
// to defaults when no path is given.
func openStore(configPath string) (store.Store, *config.Config, func(), error) {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(context.Background(), cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open store: %w", err)
	}
	return st, cfg, func() { _ = st.Close() }, nil
}
