package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"notebook/api/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.ApplyMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		slog.Info("migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.RollbackMigrations(cfg.DatabaseURL); err != nil {
			return err
		}
		slog.Info("migrations rolled back")
		return nil
	},
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
}
