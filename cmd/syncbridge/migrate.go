package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"syncbridge/internal/db"
	"syncbridge/internal/logger"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			dbConn, err := db.Open(cfg.DB)
			if err != nil {
				return fmt.Errorf("db open: %w", err)
			}
			defer db.Close(dbConn)
			if err := db.AutoMigrate(dbConn); err != nil {
				return fmt.Errorf("auto-migrate: %w", err)
			}
			log.Info("schema migrated")
			return nil
		},
	}
}

func newResealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reseal-configs",
		Short: "Re-encrypt stored app credentials with the current encryption key",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Secrets.EncryptionKey == "" {
				return fmt.Errorf("secrets.encryption_key is required")
			}
			a, err := bootstrap(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.apps.ResealAll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resealed %d app configs\n", n)
			return nil
		},
	}
}
