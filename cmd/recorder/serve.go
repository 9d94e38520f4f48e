package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	primaryHTTP "go-meeting-autorecorder/internal/adapters/primary/http"
)

const shutdownTimeout = 90 * time.Second

func serveCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP trigger API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), c)
		},
	}
	cmd.Flags().String("addr", ":8081", "Listen address for the HTTP API")
	if err := c.v.BindPFlag("http.addr", cmd.Flags().Lookup("addr")); err != nil {
		panic(err)
	}
	return cmd
}

func serve(parent context.Context, c *cli) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(c.settings)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	primaryHTTP.NewHandler(a.service, primaryHTTP.WithMetrics(a.metrics.Handler())).RegisterRoutes(mux)
	srv := &http.Server{
		Addr:              c.settings.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = a.close(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	return a.close(shutdownCtx)
}
