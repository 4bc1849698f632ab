package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ASUSFX80/Crawl-DB/internal/config"
	"github.com/ASUSFX80/Crawl-DB/internal/export"
)

// newExportCmd creates the 'export' subcommand.
func newExportCmd() *cobra.Command {
	var (
		scopes       []string
		filterMode   string
		filterValues string
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the best magnet of every stored work to text files",
		Long: `Selects one magnet per stored work and writes <scope>/<owner>.txt under
the export directory. Only stored data is read; nothing is fetched.`,
		Example: `  crawldb export --scope actor
  crawldb export --scope series --filter-mode series --filter-values "ABC,XYZ" --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			parsed, err := config.ParseScopes(scopes)
			if err != nil {
				return err
			}
			exporter := appInstance.Exporter
			if cmd.Flags().Changed("filter-mode") || cmd.Flags().Changed("filter-values") {
				mode, err := export.ParseMode(filterMode)
				if err != nil {
					return err
				}
				exporter = exporter.WithFilter(export.NewWorkFilter(mode, filterValues))
			}

			out := cmd.OutOrStdout()
			for _, scope := range parsed {
				if dryRun {
					actions, missing, err := exporter.Plan(cmd.Context(), scope)
					if err != nil {
						return err
					}
					tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
					fmt.Fprintln(tw, "SCOPE\tOWNER\tCODE\tMAGNET")
					for _, a := range actions {
						fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Scope, a.Owner, a.Code, a.URI)
					}
					_ = tw.Flush()
					fmt.Fprintf(out, "%s: %s to export, %s without an eligible magnet\n",
						scope, humanize.Comma(int64(len(actions))), humanize.Comma(int64(missing)))
					continue
				}
				res, err := exporter.Export(cmd.Context(), scope)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: exported %s of %s works (%s missing)\n", scope,
					humanize.Comma(int64(res.Exported)), humanize.Comma(int64(res.Works)), humanize.Comma(int64(res.Missing)))
				for _, file := range res.Files {
					fmt.Fprintln(out, "  "+file)
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&scopes, "scope", []string{"actor"}, "scopes to export")
	f.StringVar(&filterMode, "filter-mode", "", "override the configured filter: none, actor, code or series")
	f.StringVar(&filterValues, "filter-values", "", "comma separated filter values")
	f.BoolVar(&dryRun, "dry-run", false, "print the planned exports without writing files")
	return cmd
}
