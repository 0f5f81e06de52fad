package main

import (
	"github.com/spf13/cobra"

	"github.com/open-sspm/open-connect/internal/pipeline"
	"github.com/open-sspm/open-connect/internal/syncrun"
)

var syncTable string

var syncCmd = &cobra.Command{
	Use:         "sync <connection-id>",
	Short:       "Run one connection's source sync and stream operations as JSON lines.",
	Args:        cobra.ExactArgs(1),
	Annotations: structuredLog,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		runner := &syncrun.Runner{
			Registry: a.registry,
			Store:    a.store,
			Updater:  a.controller,
			Logger:   a.logger,
		}
		if syncTable != "" {
			runner.Links = append(runner.Links, pipeline.SingleTable(syncTable))
		}
		stats, err := runner.Run(ctx, args[0], cmd.OutOrStdout())
		if err != nil {
			return err
		}
		a.logger.Info("sync finished",
			"connection_id", args[0],
			"data", stats.Data,
			"commits", stats.Commits,
		)
		return nil
	},
}

func init() {
	syncCmd.Flags().StringVar(&syncTable, "table", "", "write every data operation to this single table")
}
