package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newLockCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Inspect leased locks",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls",
		Short: "List every non-expired lock",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, _, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			locks, err := st.AllLocks(context.Background())
			if err != nil {
				return fmt.Errorf("list locks: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(locks) == 0 {
				fmt.Fprintln(out, "no active locks")
				return nil
			}
			now := time.Now().UTC()
			for _, l := range locks {
				status := "held"
				if l.Expired(now) {
					status = "expired"
				}
				fmt.Fprintf(out, "%s  %s/%s  holder=%s  %s\n", l.ID, l.ResourceType, l.ResourceID, l.HolderID, status)
			}
			return nil
		},
	})
	return cmd
}
