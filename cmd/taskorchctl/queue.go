package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"taskorch/internal/queue"
)

func newQueueCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print ready/pending/running/completed task counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, cfg, logger, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			q := queue.New(st, queue.Config{
				MaxConcurrent:   cfg.MaxConcurrentTasks,
				DefaultPriority: cfg.DefaultPriority,
				MaxRetries:      cfg.MaxRetries,
			}, logger)
			ctx := context.Background()
			if err := q.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize queue: %w", err)
			}

			stats := q.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "total:     %d\n", stats.TotalTasks)
			fmt.Fprintf(out, "ready:     %d\n", stats.ReadyTasks)
			fmt.Fprintf(out, "pending:   %d\n", stats.PendingTasks)
			fmt.Fprintf(out, "running:   %d / %d max\n", stats.RunningCount, stats.MaxConcurrent)
			fmt.Fprintf(out, "completed: %d\n", stats.CompletedTasks)
			return nil
		},
	})
	return cmd
}
