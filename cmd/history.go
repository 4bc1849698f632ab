package cmd

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/ASUSFX80/Crawl-DB/internal/storage/sqlstore"
)

// newHistoryCmd creates the 'history' subcommand.
func newHistoryCmd() *cobra.Command {
	var filter sqlstore.HistoryFilter
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the most recent history entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			events, err := appInstance.Store.ListHistory(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history.")
				return nil
			}
			// Oldest first reads naturally in a terminal.
			slices.Reverse(events)
			printHistory(cmd.OutOrStdout(), events)
			return nil
		},
	}
	cmd.Flags().IntVarP(&filter.Limit, "limit", "n", 50, "number of entries to show")
	cmd.Flags().StringVar(&filter.RunID, "run", "", "only show entries of this run id")
	cmd.Flags().StringVar(&filter.Scope, "scope", "", "only show entries of this scope")
	return cmd
}
