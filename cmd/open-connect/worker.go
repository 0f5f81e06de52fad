package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/events"
	"github.com/open-sspm/open-connect/internal/metrics"
	"github.com/open-sspm/open-connect/internal/refresh"
)

var workerCmd = &cobra.Command{
	Use:         "worker",
	Short:       "Run the scheduled credential refresh and the event relay.",
	Args:        cobra.NoArgs,
	Annotations: structuredLog,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker(cmd.Context())
	},
}

func runWorker(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job := &refresh.Job{
		Scheduler: a.refreshScheduler(),
		Schedule:  a.cfg.RefreshSchedule,
		Options:   a.refreshOptions(),
		Locker:    db.NewAdvisoryLocker(a.pool),
		Logger:    a.logger,
	}
	if err := job.Validate(); err != nil {
		return err
	}

	bus := events.NewPubSub(a.logger)
	defer bus.Close()
	if err := events.SubscribeConnectionEstablished(ctx, bus, a.logger, events.LogConnectionEstablished(a.logger)); err != nil {
		return err
	}
	relay := &events.Relay{
		Outbox:    a.store,
		Publisher: bus,
		Interval:  a.cfg.EventRelayInterval,
		Logger:    a.logger,
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsServer := &metrics.Server{Addr: a.cfg.MetricsAddr, Logger: a.logger}
	metricsErrCh, err := metricsServer.Start(gctx)
	if err != nil {
		return err
	}

	g.Go(func() error { return job.Run(gctx) })
	g.Go(func() error {
		relay.Run(gctx)
		return nil
	})
	if metricsErrCh != nil {
		g.Go(func() error {
			select {
			case err := <-metricsErrCh:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	a.logger.Info("worker started",
		"refresh_schedule", a.cfg.RefreshSchedule,
		"relay_interval", a.cfg.EventRelayInterval,
	)
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
