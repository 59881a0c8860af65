package main

import (
	"fmt"

	"github.com/kiranshivaraju/coursegen/internal/config"
	"github.com/kiranshivaraju/coursegen/internal/store"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		db, err := config.LoadDatabase()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := store.RunMigrations(db.URL, db.MigrationsDir); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}
