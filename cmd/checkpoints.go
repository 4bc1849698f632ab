package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ASUSFX80/Crawl-DB/internal/crawler"
)

// newCheckpointsCmd creates the 'checkpoints' command group.
func newCheckpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoints",
		Aliases: []string{"cp"},
		Short:   "Inspect or reset stage checkpoints",
	}
	cmd.AddCommand(newCheckpointsListCmd(), newCheckpointsResetCmd())
	return cmd
}

func newCheckpointsListCmd() *cobra.Command {
	var stage, scope string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			cps, err := appInstance.Ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			filtered := cps[:0]
			for _, cp := range cps {
				if stage != "" && string(cp.Stage) != stage {
					continue
				}
				if scope != "" && string(cp.Scope) != scope {
					continue
				}
				filtered = append(filtered, cp)
			}
			if len(filtered) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints.")
				return nil
			}
			printCheckpoints(cmd.OutOrStdout(), filtered)
			return nil
		},
	}
	cmd.Flags().StringVar(&stage, "stage", "", "only show this stage")
	cmd.Flags().StringVar(&scope, "scope", "", "only show this scope")
	return cmd
}

func newCheckpointsResetCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "reset <stage> <scope>",
		Short: "Rewind a checkpoint to the start",
		Long: `Sets the checkpoint back to pending at cursor 0 so the next run starts
the stage over. Stored rows are kept; writes are idempotent.`,
		Example: `  crawldb checkpoints reset works actor
  crawldb checkpoints reset magnets series --key Alpha`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			stage, err := crawler.ParseStage(args[0])
			if err != nil {
				return err
			}
			scope, err := crawler.ParseScope(args[1])
			if err != nil {
				return err
			}
			if appInstance.Pipeline.Running() {
				return errors.New("a run is active; stop it before resetting")
			}
			cpKey := crawler.NewCheckpointKey(stage, scope, key)
			if err := appInstance.Ledger.Reset(cmd.Context(), cpKey); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset %s.\n", cpKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "scope-key to reset (defaults to the global key)")
	return cmd
}
