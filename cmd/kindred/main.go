// kindred is the realtime session connectivity daemon: it supervises push
// subscriptions, falls back to polling, probes backend liveness, and sweeps
// abandoned sessions.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/kindredhq/kindred/internal/config"
	"github.com/kindredhq/kindred/internal/observability"
	"github.com/kindredhq/kindred/internal/storage"
)

var version = "dev"

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "kindred",
	Short:         "Realtime session connectivity daemon",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "version" {
			return nil
		}
		// .env is optional; explicit environment wins either way.
		_ = godotenv.Load()

		var err error
		cfg, err = config.LoadOrDefault(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger = observability.NewLogger(cfg.Log)
		slog.SetDefault(logger)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version)
	},
}

func openStores() (storage.StoreSet, error) {
	switch cfg.Storage.Driver {
	case "postgres":
		return storage.NewPostgresStoresFromDSN(cfg.Storage.DSN, nil)
	default:
		return storage.NewMemoryStores(), nil
	}
}

// Command wiring lives in init so tests can exercise rootCmd directly.
func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "kindred.yaml", "path to config file")
	rootCmd.AddCommand(serveCmd, sweepCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
