package main

import (
	"github.com/spf13/cobra"

	"github.com/mbkchat/relay/pkg/db"
	"github.com/mbkchat/relay/pkg/db/migrations"
	"github.com/mbkchat/relay/pkg/logger"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := db.RunMigrations(cmd.Context(), cfg.DBPath, migrations.All()); err != nil {
			return err
		}
		logger.G(cmd.Context()).WithField("db", cfg.DBPath).Info("migrations applied")
		return nil
	},
}
