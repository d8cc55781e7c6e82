package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"stockguard/internal/config"
	"stockguard/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			// Open applies pending migrations.
			db, err := storage.Open(ctx, storage.Config{Path: cfg.DBPath, BusyTimeout: cfg.DBBusyTimeout})
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := db.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%s at schema version %d\n", cfg.DBPath, v)
			return nil
		},
	}
}
