package main

import (
	"github.com/spf13/cobra"

	"github.com/kindredhq/kindred/internal/sessions"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one stale and inactive session sweep and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		stores, err := openStores()
		if err != nil {
			return err
		}
		defer stores.Close()

		monitor := sessions.NewMonitor(stores.Sessions,
			sessions.MonitorConfig{
				StaleAfter:    cfg.Session.StaleAfter(),
				InactiveAfter: cfg.Session.InactiveAfter(),
			},
			sessions.WithMonitorLogger(logger),
		)
		stale, inactive, err := monitor.SweepAll(cmd.Context())
		if err != nil {
			return err
		}
		logger.Info("sweep complete", "stale", stale, "inactive", inactive)
		return nil
	},
}
