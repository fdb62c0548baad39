package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/garrettladley/payhook/internal/app"
)

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the job queue",
	}
	cmd.AddCommand(queueStatsCmd(), queueCleanCmd(), queueDeadCmd(), queueRetryCmd())
	return cmd
}

func queueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{})
			if err != nil {
				return err
			}
			defer closeApp(a)

			stats, err := a.Queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func queueCleanCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Prune finished jobs older than the retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{})
			if err != nil {
				return err
			}
			defer closeApp(a)

			n, err := a.Pipeline.CleanQueue(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d jobs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "override QUEUE_RETENTION")
	return cmd
}

func queueDeadCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List jobs that exhausted their attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{})
			if err != nil {
				return err
			}
			defer closeApp(a)

			jobs, err := a.Pipeline.DeadJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No dead jobs")
				return nil
			}
			for _, job := range jobs {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  event=%s  type=%s  attempts=%d  error=%q\n",
					job.ID, job.Event.ID, job.Event.Type, job.Attempts, job.LastError)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum jobs to list")
	return cmd
}

func queueRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead job back to the waiting list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), app.Role{})
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Pipeline.RetryDead(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s\n", args[0])
			return nil
		},
	}
}
