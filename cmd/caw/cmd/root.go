// Package cmd holds the caw CLI surface. The engine lives under internal/;
// this package is argument glue.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagServer    bool
	flagTransport string
	flagPort      int
)

var rootCmd = &cobra.Command{
	Use:   "caw",
	Short: "Workflow orchestration daemon for fleets of LLM coding agents",
	Long: `caw decomposes natural-language workflows into task DAGs, launches
child LLM agents in isolated git worktrees, and drives each workflow to a
terminal state. One daemon serves each database; other processes attach as
clients and take over if the daemon dies.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagServer {
			return runServe(cmd.Context())
		}
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolVar(&flagServer, "server", false, "run the daemon")
	rootCmd.Flags().StringVar(&flagTransport, "transport", "", "rpc transport: stdio or http")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "http transport port")
}

// Execute runs the CLI.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}
