package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"heritrust/internal/config"
	"heritrust/migrations"
	"heritrust/pkg/db"
	"heritrust/pkg/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envName, configDir)
			if err != nil {
				return err
			}
			log := logger.NewLogger(cfg.Log.Level)
			defer log.Sync()

			pool, err := db.NewConnection(cmd.Context(), cfg.DB, log)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := db.RunMigrations(pool, migrations.FS, log); err != nil {
				return err
			}
			log.Info("Migrations applied", zap.String("db", cfg.DB.Name))
			return nil
		},
	}
}
