package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/berea-app/berea/internal/config"
	"github.com/berea-app/berea/internal/persistence/postgres"
)

// Execute runs the CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "berea",
		Short: "Berea study guide backend",
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())
	return root.ExecuteContext(ctx)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := postgres.NewManager(cfg.DBURL, cfg.DB)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("schema applied")
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired anonymous sessions and their ownership rows",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			m, err := postgres.NewManager(cfg.DBURL, cfg.DB)
			if err != nil {
				return err
			}
			defer m.Close()

			removed, err := m.Repository().Ownership.SweepExpired(cmd.Context(), nowUTC())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d expired rows\n", removed)
			return nil
		},
	}
}
