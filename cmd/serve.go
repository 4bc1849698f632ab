package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ASUSFX80/Crawl-DB/internal/api"
	"github.com/ASUSFX80/Crawl-DB/internal/app"
	"github.com/ASUSFX80/Crawl-DB/internal/metrics"
	"github.com/ASUSFX80/Crawl-DB/internal/pipeline"
)

// drainTimeout bounds how long shutdown waits for the active run to reach
// an entity boundary before canceling it.
const drainTimeout = 30 * time.Second

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API",
		Long: `Starts the HTTP control API: start and stop runs, follow live history,
list and reset checkpoints, and scrape metrics. SIGINT or SIGTERM stops the
active run at the next entity boundary and shuts the server down.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if addr == "" {
				addr = fmt.Sprintf(":%d", appInstance.Config.Server.Port)
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", addr, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, appInstance, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to :<server.port>)")
	return cmd
}

// serve runs the control API on ln until ctx ends, then drains the active
// run and shuts the server down.
func serve(ctx context.Context, appInstance *app.App, ln net.Listener) error {
	metrics.Init()
	logger := appInstance.Logger.Named("server")

	runCtx, cancelRuns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRuns()
	controller := pipeline.NewController(runCtx, appInstance.Pipeline, logger)
	handler := api.NewServer(api.Deps{
		Runner:      controller,
		Checkpoints: appInstance.Ledger,
		History:     appInstance.Store,
		Health:      appInstance.Store,
		Events:      appInstance.Stream.Events(),
		Defaults:    defaultRequest(appInstance),
		APIKey:      appInstance.Config.Server.APIKey,
		Logger:      appInstance.Logger.Named("api"),
	}).Handler()

	// Streaming requests end when connCtx is canceled at shutdown.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelConns()
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}
	serveErr := make(chan error, 1)
	go func() {
		defer close(serveErr)
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
		if err != nil {
			logger.Error("http server error", zap.Error(err))
		}
	}
	logger.Info("shutdown initiated")

	if controller.Stop() == nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		if waitErr := controller.Wait(drainCtx); waitErr != nil {
			logger.Warn("active run did not stop in time; canceling", zap.Error(waitErr))
			cancelRuns()
			_ = controller.Wait(context.Background())
		}
		cancel()
	}

	cancelConns()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error("server shutdown error", zap.Error(shutdownErr))
	}
	logger.Info("shutdown complete")
	return err
}

// defaultRequest returns the configured run request; config validation has
// already parsed it once.
func defaultRequest(appInstance *app.App) pipeline.Request {
	req, err := appInstance.Request()
	if err != nil {
		appInstance.Logger.Warn("Configured run request is invalid; using built-in defaults", zap.Error(err))
		return pipeline.Request{}
	}
	return req
}
