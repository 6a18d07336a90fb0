package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kindredhq/kindred/internal/storage"
)

var migrateSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

func withMigrator(run func(*cobra.Command, *storage.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		if cfg.Storage.Driver != "postgres" {
			return fmt.Errorf("migrations require the postgres driver")
		}
		migrator, closeDB, err := storage.NewMigratorFromDSN(cfg.Storage.DSN)
		if err != nil {
			return err
		}
		defer closeDB()
		return run(cmd, migrator)
	}
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, migrator *storage.Migrator) error {
		applied, err := migrator.Up(cmd.Context(), migrateSteps)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no pending migrations")
			return nil
		}
		for _, id := range applied {
			fmt.Fprintln(cmd.OutOrStdout(), "applied", id)
		}
		return nil
	}),
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: withMigrator(func(cmd *cobra.Command, migrator *storage.Migrator) error {
		rolled, err := migrator.Down(cmd.Context(), migrateSteps)
		if err != nil {
			return err
		}
		for _, id := range rolled {
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", id)
		}
		return nil
	}),
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: withMigrator(func(cmd *cobra.Command, migrator *storage.Migrator) error {
		applied, pending, err := migrator.Status(cmd.Context())
		if err != nil {
			return err
		}
		for _, entry := range applied {
			fmt.Fprintf(cmd.OutOrStdout(), "applied  %s  %s\n",
				entry.ID, entry.AppliedAt.Format("2006-01-02 15:04:05"))
		}
		for _, migration := range pending {
			fmt.Fprintf(cmd.OutOrStdout(), "pending  %s\n", migration.ID)
		}
		return nil
	}),
}

func init() {
	migrateCmd.PersistentFlags().IntVar(&migrateSteps, "steps", 0, "number of migrations (0 = all for up, 1 for down)")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateStatusCmd)
}
