package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/treeverse/claimload/pkg/claim"
	"github.com/treeverse/claimload/pkg/store"
)

const (
	claimTypeFlagName = "claim-type"
	statusFlagName    = "status"
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect and resolve events that failed to transform",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded transformation errors",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		ct, err := claim.ParseType(mustString(cmd, claimTypeFlagName))
		if err != nil {
			die(err)
		}
		status, err := claim.ParseErrorStatus(mustString(cmd, statusFlagName))
		if err != nil {
			die(err)
		}
		s, err := openStore(ctx, cfg, nil)
		if err != nil {
			die(err)
		}
		defer func() { _ = s.Close() }()
		var records []claim.ErrorRecord
		err = s.Transact(ctx, func(tx store.Tx) error {
			var err error
			records, err = tx.ListErrors(ct, status)
			return err
		}, store.ReadOnly())
		if err != nil {
			die(err)
		}
		rows := make([]table.Row, 0, len(records))
		for _, r := range records {
			reasons := make([]string, 0, len(r.Errors))
			for _, fe := range r.Errors {
				reasons = append(reasons, fe.String())
			}
			rows = append(rows, table.Row{r.ID, r.Sequence, r.ClaimID, r.APISource, r.UpdatedAt.Format(timeFormat), strings.Join(reasons, "; ")})
		}
		printTable(cmd.OutOrStdout(), table.Row{"ID", "Sequence", "Claim ID", "API Source", "Updated", "Errors"}, rows)
	},
}

var errorsResolveCmd = &cobra.Command{
	Use:   "resolve <id>...",
	Short: "Mark transformation errors as resolved",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		ctx := cmd.Context()
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				die(fmt.Errorf("error id %q: %w", arg, err))
			}
			ids = append(ids, id)
		}
		s, err := openStore(ctx, cfg, nil)
		if err != nil {
			die(err)
		}
		defer func() { _ = s.Close() }()
		err = s.Transact(ctx, func(tx store.Tx) error {
			now := clock.WallClock.Now().UTC()
			for _, id := range ids {
				if err := tx.SetErrorStatus(id, claim.ErrorResolved, now); err != nil {
					return fmt.Errorf("error %d: %w", id, err)
				}
			}
			return nil
		})
		if err != nil {
			die(err)
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Resolved %d error(s)\n", len(ids))
	},
}

func mustString(cmd *cobra.Command, name string) string {
	v, err := cmd.Flags().GetString(name)
	if err != nil {
		die(fmt.Errorf("%s: %w", name, err))
	}
	return v
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(errorsCmd)
	errorsCmd.AddCommand(errorsListCmd, errorsResolveCmd)
	errorsListCmd.Flags().String(claimTypeFlagName, string(claim.TypeFiss), "claim type to list errors for")
	errorsListCmd.Flags().String(statusFlagName, string(claim.ErrorUnresolved), "error status to list (UNRESOLVED or RESOLVED)")
}
