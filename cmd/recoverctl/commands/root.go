// Package commands implements the recoverctl CLI commands.
package commands

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// httpClient is the admin API client, initialized in PersistentPreRunE.
	httpClient *adminClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the daemon's admin HTTP address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for recoverctl.
var rootCmd = &cobra.Command{
	Use:   "recoverctl",
	Short: "CLI client for the recovery controller daemon",
	Long:  "recoverctl talks to recoverd's JSON admin API to inspect and trigger cluster recovery.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		httpClient = newAdminClient("http://"+serverAddr, &http.Client{Timeout: 5 * time.Second})
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:7929",
		"recoverd admin address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(nodeMapCmd())
	rootCmd.AddCommand(vnnMapCmd())
	rootCmd.AddCommand(versionCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
