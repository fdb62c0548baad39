package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
	"github.com/garrettladley/payhook/internal/storage"
)

func analyticsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analytics",
		Short: "Daily rollups of received events",
	}
	cmd.AddCommand(analyticsRefreshCmd(), analyticsShowCmd())
	return cmd
}

func analyticsRefreshCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Recompute the daily rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{Open: true})
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Pipeline.RefreshAnalytics(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Analytics refreshed")
			return nil
		},
	}
}

func analyticsShowCmd() *cobra.Command {
	var (
		days      int
		eventType string
		companyID string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the daily rollup",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{Open: true})
			if err != nil {
				return err
			}
			defer closeApp(a)

			f := storage.Filter{EventType: eventType, CompanyID: companyID}
			if days > 0 {
				f.From = time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, -days+1)
			}
			rows, err := a.Pipeline.Daily(cmd.Context(), f)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to show, 0 for all")
	cmd.Flags().StringVar(&eventType, "event-type", "", "only this event type")
	cmd.Flags().StringVar(&companyID, "company", "", "only this company id")
	return cmd
}
