package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
)

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the deduplication cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Delete every deduplication key",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{})
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.Pipeline.InvalidateCache(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d keys\n", n)
			return nil
		},
	})
	return cmd
}
