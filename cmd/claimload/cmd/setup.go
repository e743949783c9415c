package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create the database schema if it is missing",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		s, err := openStore(ctx, cfg, nil)
		if err != nil {
			die(err)
		}
		defer func() { _ = s.Close() }()
		if err := s.Setup(ctx); err != nil {
			die(err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Schema ready (%s)\n", cfg.GetStoreParams().Type)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(setupCmd)
}
