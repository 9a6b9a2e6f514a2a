package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lexflow/lexflow/internal/config"
	"github.com/lexflow/lexflow/internal/store"
	"github.com/lexflow/lexflow/pkg/log"
	"github.com/lexflow/lexflow/pkg/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.ParseLevel(cfg.Service.LogLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		if err := migrations.MigrateStore(db, cfg.Service.MigrationFolder); err != nil {
			zap.S().Fatalf("running migrations: %v", err)
		}

		zap.S().Info("Db migrated")
		return nil
	},
}
