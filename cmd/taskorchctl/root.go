package main

import (
	"os"

	"github.com/spf13/cobra"

	"taskorch/internal/config"
	"taskorch/internal/logging"
	"taskorch/internal/store"
	"taskorch/internal/store/sqlstore"
)

// cliConfigPath is bound to the root command's persistent --config flag.
var cliConfigPath string

// NewRootCommand builds the taskorchctl command tree, the way the
// teacher's NewRootCommand assembles config/session/tools/mcp
// subcommands under a single root with a persistent config path.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "taskorchctl",
		Short:         "Operator CLI for a taskorchd deployment",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&cliConfigPath, "config", os.Getenv("TASKORCH_CONFIG"), "path to a YAML configuration file (defaults to TASKORCH_CONFIG env var)")

	root.AddCommand(newMigrateCommand())
	root.AddCommand(newQueueCommand())
	root.AddCommand(newLockCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// openStore loads configuration and opens the store the same way
// taskorchd's bootstrap does, for CLI commands that operate directly
// against persisted state.
func openStore() (store.Store, config.Config, logging.Logger, error) {
	cfg, err := config.Load(cliConfigPath)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	logger = logging.WithComponent(logger, "taskorchctl")

	st, err := sqlstore.Open(cfg.DBPath, logger)
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	return st, cfg, logger, nil
}
