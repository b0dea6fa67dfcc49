package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply any pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, logger, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			m := migrate.New(st.(*sqlstore.SQLStore).DB(), logger, migrate.Migrations())
			if err := m.Run(context.Background()); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}
