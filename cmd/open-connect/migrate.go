package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/open-sspm/open-connect/internal/config"
)

var migrateDown bool

var migrateCmd = &cobra.Command{
	Use:         "migrate",
	Short:       "Apply database migrations.",
	Args:        cobra.NoArgs,
	Annotations: structuredLog,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		m, err := migrate.New("file://db/migrations", cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer m.Close()

		step := m.Up
		if migrateDown {
			step = func() error { return m.Steps(-1) }
		}
		if err := step(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("no changes to apply")
				return nil
			}
			return err
		}

		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return err
		}
		slog.Info("migrations applied", "version", version, "dirty", dirty)
		return nil
	},
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDown, "down", false, "roll back the most recent migration instead")
}
