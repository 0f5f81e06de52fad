package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/open-sspm/open-connect/internal/config"
	"github.com/open-sspm/open-connect/internal/connection"
	"github.com/open-sspm/open-connect/internal/connectors/registry"
	"github.com/open-sspm/open-connect/internal/db"
	"github.com/open-sspm/open-connect/internal/refresh"
)

// app holds what every database-backed command opens.
type app struct {
	cfg        config.Config
	pool       *pgxpool.Pool
	store      *db.Store
	registry   *registry.ConnectorRegistry
	controller *connection.Controller
	logger     *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	reg, err := buildConnectorRegistry()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	store := db.NewStore(pool)
	return &app{
		cfg:      cfg,
		pool:     pool,
		store:    store,
		registry: reg,
		controller: connection.NewController(reg, store, connection.Options{
			Logger:       logger,
			CheckTimeout: cfg.CheckTimeout,
		}),
		logger: logger,
	}, nil
}

func (a *app) Close() {
	a.pool.Close()
}

func (a *app) refreshScheduler() *refresh.Scheduler {
	return &refresh.Scheduler{
		Candidates: a.store,
		Refresher:  a.controller,
		Reporter:   &refresh.LogReporter{Logger: a.logger},
		Logger:     a.logger,
	}
}

func (a *app) refreshOptions() refresh.Options {
	return refresh.Options{
		ConcurrencyLimit: a.cfg.RefreshConcurrency,
		ExpiryWindow:     a.cfg.RefreshExpiryWindow,
	}
}
