package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slyt3/guardstats/internal/api"
	"github.com/slyt3/guardstats/internal/core"
	"github.com/slyt3/guardstats/internal/logging"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API, ingest endpoint and /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.API.Listen = listen
			}
			engine, err := newEngine(cfg)
			if err != nil {
				return err
			}
			engine.Start()
			defer closeEngine(engine, &err)

			ln, err := net.Listen("tcp", cfg.API.Listen)
			if err != nil {
				return fmt.Errorf("listening on %s: %w", cfg.API.Listen, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Serving guardstats API on http://%s\n", ln.Addr())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, ln, engine)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default: api.listen)")
	return cmd
}

// serve runs the HTTP server on ln until ctx is done, then shuts it down
// within the configured timeout.
func serve(ctx context.Context, ln net.Listener, engine *core.Engine) error {
	srv := &http.Server{
		Handler:           api.NewHandlers(engine).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	logging.Info("api_listening", logging.Fields{Component: "api", Path: ln.Addr().String()})

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), engine.Config.API.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	logging.Info("api_stopped", logging.Fields{Component: "api"})
	return nil
}
