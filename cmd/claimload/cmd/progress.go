package cmd

import (
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show the checkpoint of every claim type",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		s, err := openStore(ctx, cfg, nil)
		if err != nil {
			die(err)
		}
		defer func() { _ = s.Close() }()
		var progress []claim.Progress
		err = s.Transact(ctx, func(tx store.Tx) error {
			var err error
			progress, err = tx.ListProgress()
			return err
		}, store.ReadOnly())
		if err != nil {
			die(err)
		}
		rows := make([]table.Row, 0, len(progress))
		for _, p := range progress {
			rows = append(rows, table.Row{p.ClaimType, p.LastSequence, p.LastUpdated.Format(timeFormat)})
		}
		printTable(cmd.OutOrStdout(), table.Row{"Claim Type", "Last Sequence", "Last Updated"}, rows)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(progressCmd)
}
