package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/swimcoach/internal/storage"
	"github.com/ashita-ai/swimcoach/migrations"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.DatabaseURL == "" {
				return fmt.Errorf("migrate needs DATABASE_URL")
			}
			ctx := cmd.Context()
			db, err := storage.New(ctx, a.cfg.DatabaseURL, 1, a.logger)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close(ctx) }()

			ran, err := db.RunMigrations(ctx, migrations.FS)
			if err != nil {
				return err
			}
			if len(ran) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			for _, name := range ran {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		},
	}
}
