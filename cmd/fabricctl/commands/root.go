// Package commands implements the fabricctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient talks to the fabricd admin surface, built in
	// PersistentPreRunE once --addr is known.
	httpClient *adminClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's admin HTTP address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for fabricctl.
var rootCmd = &cobra.Command{
	Use:   "fabricctl",
	Short: "CLI client for the fabricd router daemon",
	Long:  "fabricctl talks to a running fabricd daemon over its HTTP/JSON admin surface to inspect routes, sessions, cluster state, and queues.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = &adminClient{
			baseURL: "http://" + serverAddr,
			http:    &http.Client{Timeout: 10 * time.Second},
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8090",
		"fabricd admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(routesCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(clusterCmd())
	rootCmd.AddCommand(queuesCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
