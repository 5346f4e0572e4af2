package main

import (
	"github.com/spf13/cobra"

	"github.com/openjobspec/ojs-racejob/internal/logger"
	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the SQLite schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync()

		db, err := sqlstore.OpenWithMigrations(cfg.SQLitePath, log)
		if err != nil {
			return err
		}
		defer db.Close()
		log.Infow("Schema is up to date", "path", cfg.SQLitePath)
		return nil
	},
}
