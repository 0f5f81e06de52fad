package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	httpapp "github.com/open-sspm/open-connect/internal/http"
	"github.com/open-sspm/open-connect/internal/metrics"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the connector API.",
	Args:        cobra.NoArgs,
	Annotations: structuredLog,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	metricsErrCh, err := (&metrics.Server{Addr: a.cfg.MetricsAddr, Logger: a.logger}).Start(ctx)
	if err != nil {
		return err
	}

	srv := httpapp.NewEchoServer(a.cfg, a.controller, a.logger)
	httpServer := srv.NewHTTPServer(a.cfg.HTTPAddr)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.HTTPAddr, "connectors", a.registry.Names())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-metricsErrCh:
		return err
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
