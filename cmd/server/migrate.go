package main

import (
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/iliyamo/gametable/internal/config"
	"github.com/iliyamo/gametable/internal/database"
)

func newMigrateCommand(logger pslog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cfg.Database())
			if err != nil {
				return err
			}
			defer db.Close()
			if err := database.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("migrate.done", "driver", cfg.DBDriver)
			return nil
		},
	}
}
