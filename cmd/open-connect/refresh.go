package main

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

var (
	refreshConcurrency int
	refreshWindow      time.Duration
	refreshStrict      bool
)

var refreshCmd = &cobra.Command{
	Use:         "refresh",
	Short:       "Refresh credentials that expire soon, once, and print the counts as JSON.",
	Args:        cobra.NoArgs,
	Annotations: structuredLog,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := a.refreshOptions()
		if cmd.Flags().Changed("concurrency") {
			opts.ConcurrencyLimit = refreshConcurrency
		}
		if cmd.Flags().Changed("expiry-window") {
			opts.ExpiryWindow = refreshWindow
		}

		res, err := a.refreshScheduler().RefreshStale(ctx, opts)
		if err != nil {
			return err
		}
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(res); err != nil {
			return err
		}
		if refreshStrict && res.TotalConnectionsRefreshed < res.TotalConnections {
			return partialFailure("%d of %d connections were not refreshed",
				res.TotalConnections-res.TotalConnectionsRefreshed, res.TotalConnections)
		}
		return nil
	},
}

func init() {
	refreshCmd.Flags().IntVar(&refreshConcurrency, "concurrency", 10, "maximum connections refreshed at once (REFRESH_CONCURRENCY)")
	refreshCmd.Flags().DurationVar(&refreshWindow, "expiry-window", 30*time.Minute, "refresh credentials expiring within this window (REFRESH_EXPIRY_WINDOW)")
	refreshCmd.Flags().BoolVar(&refreshStrict, "strict", false, "exit 2 when any candidate was not refreshed")
}
