package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/config"
	"github.com/ASUSFX80/Crawl-DB/internal/pipeline"
)

// exitStageFailed is returned when the run finished but a stage failed.
const exitStageFailed = 2

type runOptions struct {
	stages     []string
	scopes     []string
	skipStages []string
	force      bool
	entity     string
	fetchMode  string
	quiet      bool
}

// newRunCmd creates the 'run' subcommand.
func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run pipeline stages for one or more scopes",
		Long: `Runs collect, works, magnets and filter_export for the selected scopes,
resuming each stage from its checkpoint. Flags override the pipeline
section of the config.

The first interrupt finishes the current entity and stops; a second one
aborts immediately. Either way the checkpoints stay resumable.`,
		Example: `  crawldb run --scope actor,series
  crawldb run --stage works --scope actor --entity "Alice" --force
  crawldb run --fetch-mode browser`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPipeline(cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringSliceVar(&opts.stages, "stage", nil, "stages to run (collect, works, magnets, filter_export)")
	f.StringSliceVar(&opts.scopes, "scope", nil, "scopes to run (actor, series, maker, director, code)")
	f.StringSliceVar(&opts.skipStages, "skip-stage", nil, "stages treated as satisfied when gating")
	f.BoolVar(&opts.force, "force", false, "run a stage even if its predecessor is not done")
	f.StringVar(&opts.entity, "entity", "", "restrict works, magnets and export to one entity name")
	f.StringVar(&opts.fetchMode, "fetch-mode", "", "fetch strategy: direct or browser")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "print only the final report")
	return cmd
}

func runPipeline(cmd *cobra.Command, opts runOptions) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	req, err := appInstance.Request()
	if err != nil {
		return err
	}
	if req, err = opts.apply(cmd, req); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go watchInterrupts(ctx, sigs, cmd.ErrOrStderr(), appInstance.Pipeline.Stop, cancel)

	printer := &progressPrinter{w: cmd.OutOrStdout()}
	rendered := make(chan struct{})
	if opts.quiet {
		printer.w = io.Discard
	}
	go func() {
		defer close(rendered)
		for {
			select {
			case evt, ok := <-appInstance.Stream.Events():
				if !ok || printer.consume(evt) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	report, runErr := appInstance.Pipeline.Run(ctx, req)
	caughtUp := true
	select {
	case <-rendered:
	case <-time.After(2 * time.Second):
		caughtUp = false
	}
	if runErr != nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out)
	printReport(out, report)
	if !opts.quiet && caughtUp {
		fmt.Fprintln(out, printer.summary())
	}
	if counts := report.Counts(); counts[pipeline.StatusFailed] > 0 {
		appInstance.Logger.Warn("Run finished with failed stages", zap.Error(report.Err()))
		return exitError{code: exitStageFailed, err: fmt.Errorf("%d stage(s) failed: %w", counts[pipeline.StatusFailed], report.Err())}
	}
	return nil
}

// apply overlays the flags the user set on the configured request.
func (o runOptions) apply(cmd *cobra.Command, req pipeline.Request) (pipeline.Request, error) {
	flags := cmd.Flags()
	if flags.Changed("stage") {
		stages, err := config.ParseStages(o.stages)
		if err != nil {
			return req, err
		}
		req.Stages = stages
	}
	if flags.Changed("skip-stage") {
		stages, err := config.ParseStages(o.skipStages)
		if err != nil {
			return req, err
		}
		req.SkipStages = stages
	}
	if flags.Changed("scope") {
		scopes, err := config.ParseScopes(o.scopes)
		if err != nil {
			return req, err
		}
		req.Scopes = scopes
	}
	if flags.Changed("force") {
		req.Force = o.force
	}
	if flags.Changed("entity") {
		req.Entity = o.entity
	}
	if flags.Changed("fetch-mode") {
		switch o.fetchMode {
		case config.ModeDirect, config.ModeBrowser:
			req.FetchMode = o.fetchMode
		default:
			return req, fmt.Errorf("unknown fetch mode %q", o.fetchMode)
		}
	}
	return req, nil
}

// watchInterrupts maps the first signal to a cooperative stop and the second
// to cancellation.
func watchInterrupts(ctx context.Context, sigs <-chan os.Signal, w io.Writer, stop func(), cancel context.CancelFunc) {
	interrupts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigs:
			interrupts++
			if interrupts == 1 {
				fmt.Fprintln(w, "Stopping after the current entity; interrupt again to abort.")
				stop()
				continue
			}
			fmt.Fprintln(w, "Aborting.")
			cancel()
			return
		}
	}
}
