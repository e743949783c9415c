package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/treeverse/claimload/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the claimload version",
	Run: func(cmd *cobra.Command, args []string) {
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
