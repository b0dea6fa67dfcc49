package main

import (
	"context"
	"fmt"

	"taskorch/internal/config"
	"taskorch/internal/events"
	"taskorch/internal/lock"
	"taskorch/internal/logging"
	"taskorch/internal/metrics"
	"taskorch/internal/project"
	"taskorch/internal/queue"
	"taskorch/internal/store"
	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
	"taskorch/internal/webhook"
	"taskorch/internal/workspace"
	"taskorch/internal/ws"
)

// container holds every wired core component, assembled once at
// startup and handed to the HTTP transport.
type container struct {
	cfg    config.Config
	logger logging.Logger

	store store.Store
	queue *queue.Queue
	locks *lock.Manager

	hub        *ws.Hub
	publisher  *events.Publisher
	webhooks   *webhook.Dispatcher
	workspaces *workspace.Manager
	projects   *project.Manager
}

// stage mirrors the teacher's required/optional bootstrap step, scaled
// down to this server's single-phase startup: every stage here is
// required, since none of these components have a meaningful degraded
// mode (a server that can't reach its database or run pending
// migrations should not accept traffic).
type stage struct {
	name string
	run  func() error
}

func runStages(stages []stage, logger logging.Logger) error {
	for _, s := range stages {
		logger.Info("bootstrap: running stage %s", s.name)
		if err := s.run(); err != nil {
			return fmt.Errorf("stage %q: %w", s.name, err)
		}
	}
	return nil
}

// buildContainer loads configuration and wires every component in
// dependency order: store, migrator, lock manager, queue, hub,
// webhook dispatcher, event publisher (with the hub and dispatcher
// registered into it), then the tenancy managers.
func buildContainer(configPath string) (*container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  logging.Level(cfg.LogLevel),
		Format: logging.Format(cfg.LogFormat),
	})
	logger = logging.WithComponent(logger, "taskorchd")

	c := &container{cfg: cfg, logger: logger}

	err = runStages([]stage{
		{"store", func() error {
			st, err := sqlstore.Open(cfg.DBPath, logging.WithComponent(logger, "store"))
			if err != nil {
				return err
			}
			c.store = st
			return nil
		}},
		{"migrate", func() error {
			m := migrate.New(c.store.(*sqlstore.SQLStore).DB(), logging.WithComponent(logger, "migrate"), migrate.Migrations())
			return m.Run(context.Background())
		}},
		{"lock", func() error {
			c.locks = lock.New(c.store)
			return nil
		}},
		{"queue", func() error {
			c.queue = queue.New(c.store, queue.Config{
				MaxConcurrent:   cfg.MaxConcurrentTasks,
				DefaultPriority: cfg.DefaultPriority,
				MaxRetries:      cfg.MaxRetries,
			}, logging.WithComponent(logger, "queue"))
			return c.queue.Initialize(context.Background())
		}},
		{"ws-hub", func() error {
			c.hub = ws.New(logging.WithComponent(logger, "ws"))
			return nil
		}},
		{"webhooks", func() error {
			c.webhooks = webhook.New(c.store, webhook.Config{
				MaxRetries:     cfg.WebhookMaxRetries,
				AttemptTimeout: cfg.WebhookTimeout(),
			}, logging.WithComponent(logger, "webhook"))
			return nil
		}},
		{"events", func() error {
			c.publisher = events.New(c.store, events.Config{}, logging.WithComponent(logger, "events"))
			c.publisher.RegisterBroadcaster(c.hub)
			c.publisher.RegisterNotifier(c.webhooks)
			return nil
		}},
		{"tenancy", func() error {
			c.workspaces = workspace.New(c.store, logging.WithComponent(logger, "workspace"))
			c.projects = project.New(c.store, c.workspaces, logging.WithComponent(logger, "project"))
			return nil
		}},
	}, logger)
	if err != nil {
		return nil, err
	}

	metrics.TasksByStatus.Reset()
	return c, nil
}

func (c *container) Close() error {
	return c.store.Close()
}
