package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"cryptoview/internal/indicator"
)

const version = "0.3.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cryptoview version %s\n", version)
		fmt.Fprintf(cmd.OutOrStdout(), "score strategies: %v\n", indicator.Strategies())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
