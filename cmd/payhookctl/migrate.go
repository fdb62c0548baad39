package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/migrations/postgres"
)

const envDatabaseURL = "DATABASE_URL"

func migrateCmd() *cobra.Command {
	var status bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			url := os.Getenv(envDatabaseURL)
			if url == "" {
				return errors.New(envDatabaseURL + " is required")
			}

			conn, err := pgx.Connect(ctx, url)
			if err != nil {
				return fmt.Errorf("failed to connect: %w", err)
			}
			defer func() {
				_ = conn.Close(ctx)
			}()

			pending, err := postgres.Pending(ctx, conn)
			if err != nil {
				return err
			}
			if status {
				if len(pending) == 0 {
					fmt.Println("No pending migrations")
					return nil
				}
				for _, name := range pending {
					fmt.Printf("pending  %s\n", name)
				}
				return nil
			}

			if err := postgres.Apply(ctx, conn); err != nil {
				return err
			}
			fmt.Printf("Migrations applied successfully (%d new)\n", len(pending))
			return nil
		},
	}
	cmd.Flags().BoolVar(&status, "status", false, "list pending migrations without applying them")
	return cmd
}
