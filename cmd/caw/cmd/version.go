package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/travisgalloway/caw/internal/server"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the caw version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("caw %s\n", server.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
