package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:     "cachegate",
		Short:   "Caching reverse proxy for OpenAI-compatible chat APIs",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newCacheCmd(),
		newEndpointsCmd(),
		newAuditCmd(),
		newStatsCmd(),
		newVersionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cachegate version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}
}
