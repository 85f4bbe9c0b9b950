package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cachegate-ai/cachegate/pkg/fingerprint"
	"github.com/cachegate-ai/cachegate/pkg/resolve"
	"github.com/spf13/cobra"
)

func newEndpointsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "Inspect and manage credential-endpoint mappings",
	}

	cmd.AddCommand(
		newEndpointsListCmd(&configPath),
		newEndpointsSetCmd(&configPath),
		newEndpointsClearCmd(&configPath),
		newEndpointsTestCmd(&configPath),
	)
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}

func newEndpointsListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resolved credential-endpoint mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, cleanup, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			rows, err := st.ListEndpoints(context.Background())
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("No endpoint mappings found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CREDENTIAL\tENDPOINT\tUPDATED")
			for _, row := range rows {
				endpoint := "(default)"
				if row.BaseURL != nil {
					endpoint = *row.BaseURL
				}
				fmt.Fprintf(w, "%s...\t%s\t%s\n",
					fingerprint.Prefix(row.Digest), endpoint, row.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
}

func newEndpointsSetCmd(configPath *string) *cobra.Command {
	var (
		key        string
		endpoint   string
		useDefault bool
	)

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Pin a credential to an endpoint, skipping resolution",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}
			if endpoint == "" && !useDefault {
				return fmt.Errorf("--url or --use-default is required")
			}

			st, _, cleanup, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			var base *string
			if !useDefault {
				base = &endpoint
			}
			digest := fingerprint.Credential(key)
			if err := st.PutEndpoint(context.Background(), digest, base); err != nil {
				return err
			}
			fmt.Printf("Pinned credential %s...\n", fingerprint.Prefix(digest))
			return nil
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "credential to pin")
	cmd.Flags().StringVar(&endpoint, "url", "", "endpoint base URL")
	cmd.Flags().BoolVar(&useDefault, "use-default", false, "pin to the default upstream")
	return cmd
}

func newEndpointsClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget all credential-endpoint mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, cleanup, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := st.ClearEndpoints(context.Background()); err != nil {
				return err
			}
			fmt.Println("Endpoint mappings cleared.")
			return nil
		},
	}
}

func newEndpointsTestCmd(configPath *string) *cobra.Command {
	var (
		key   string
		model string
	)

	cmd := &cobra.Command{
		Use:   "test",
		Short: "Probe every candidate endpoint with a credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			st, cfg, cleanup, err := openStore(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			resolver := resolve.New(st, cfg)
			results := resolver.Trials(context.Background(), key, model)
			if len(results) == 0 {
				fmt.Println("No candidate endpoints configured.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ENDPOINT\tLATENCY\tRESULT")
			for _, res := range results {
				outcome := "ok"
				if res.Err != nil {
					outcome = res.Err.Error()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", res.URL, res.Latency.Round(time.Millisecond), outcome)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&key, "key", "", "credential to probe with")
	cmd.Flags().StringVar(&model, "model", "", "model for the probe request")
	return cmd
}
