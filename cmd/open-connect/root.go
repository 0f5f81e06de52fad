package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:               "open-connect",
	Short:             "Open Connect links customer accounts to connectors and keeps their credentials fresh.",
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: bootstrapCommand,
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, refreshCmd, syncCmd, migrateCmd, connectorsCmd)
}
