// Package cmd defines and implements the CLI commands for the crawldb executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/app"
	"github.com/ASUSFX80/Crawl-DB/internal/config"
	"github.com/ASUSFX80/Crawl-DB/internal/logging"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so tests can register
// metrics on a private registry.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

// newLogger builds the process logger; tests swap it for a no-op logger.
var newLogger = logging.New

// rootCommand is the crawldb command tree plus the application it built.
type rootCommand struct {
	*cobra.Command
	app *app.App
}

// newRootCmd creates and configures the root command.
func newRootCmd() *rootCommand {
	var cfgFile string
	root := &rootCommand{}
	root.Command = &cobra.Command{
		Use:   "crawldb",
		Short: "Resumable, polite crawler for a personal collection",
		Long: `crawldb walks the collected actors, series, makers, directors and codes
of a logged-in account, stores their works and magnet links, and exports
the best magnet per work. Every stage checkpoints its progress, so an
interrupted run resumes where it stopped.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Builds the application after flags are parsed and before the
		// subcommand's RunE.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := newLogger(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			root.app = appInstance
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (defaults and CRAWLDB_* environment variables apply without one)")

	root.AddCommand(
		newRunCmd(),
		newCheckpointsCmd(),
		newHistoryCmd(),
		newExportCmd(),
		newServeCmd(),
	)
	return root
}

// execute runs the command tree and then closes the application, whether
// or not the subcommand failed, so history is flushed on every exit path.
func (r *rootCommand) execute(ctx context.Context) error {
	err := r.ExecuteContext(ctx)
	if r.app != nil {
		closeErr := r.app.Close(ctx)
		_ = r.app.Logger.Sync()
		r.app = nil
		err = errors.Join(err, closeErr)
	}
	return err
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().execute(ctx); err != nil {
		code := 1
		var exit exitError
		if errors.As(err, &exit) {
			code = exit.code
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
}

// exitError carries a specific process exit code.
type exitError struct {
	code int
	err  error
}

func (e exitError) Error() string { return e.err.Error() }

func (e exitError) Unwrap() error { return e.err }

func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}
