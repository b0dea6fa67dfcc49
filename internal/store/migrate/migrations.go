package migrate

import (
	"context"
	"database/sql"
	"time"

	"taskorch/internal/domain"
)

// Migrations returns the full ordered migration set. Migration 1
// creates the Phase-2 schema (workspaces, projects, users, memberships,
// locks, task events, webhooks); migration 2 backfills: every task with
// a null project pointer is assigned to the reserved "default" project
// inside the reserved "default" workspace, created idempotently.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Name:        "initial_schema",
			Description: "create tasks, workspaces, projects, users, memberships, locks, task_events, webhooks",
			Apply:       applyInitialSchema,
		},
		{
			Version:     2,
			Name:        "backfill_default_workspace_project",
			Description: "seed the reserved default workspace/project and reassign orphan tasks",
			Apply:       applyDefaultBackfill,
		},
	}
}

func applyInitialSchema(ctx context.Context, tx *sql.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS workspaces (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT,
			settings TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			settings TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_projects_workspace ON projects (workspace_id)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			password_hash TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'member',
			created_at TEXT NOT NULL,
			last_login TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_users_email ON users (email)`,
		`CREATE TABLE IF NOT EXISTS workspace_members (
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (workspace_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS project_members (
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			permissions TEXT,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS locks (
			id TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			holder_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT,
			UNIQUE (resource_type, resource_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT REFERENCES projects(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			service TEXT NOT NULL DEFAULT '',
			payload TEXT,
			priority INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL DEFAULT 'pending',
			dependencies TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			result TEXT,
			error TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			version INTEGER NOT NULL DEFAULT 1,
			recovered_from_running_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks (priority)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks (project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_created_by ON tasks (created_by)`,
		`CREATE TABLE IF NOT EXISTS task_events (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			user_id TEXT,
			details TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_type ON task_events (event_type)`,
		`CREATE TABLE IF NOT EXISTS webhooks (
			id TEXT PRIMARY KEY,
			workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
			service TEXT NOT NULL,
			url TEXT NOT NULL,
			events TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func applyDefaultBackfill(ctx context.Context, tx *sql.Tx) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err := tx.ExecContext(ctx,
		`INSERT INTO workspaces (id, name, owner_id, settings, created_at) VALUES (?,?,NULL,NULL,?)
		 ON CONFLICT(id) DO NOTHING`,
		domain.DefaultWorkspaceID, "Default Workspace", now,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO projects (id, workspace_id, name, description, status, settings, created_at) VALUES (?,?,?,?,?,NULL,?)
		 ON CONFLICT(id) DO NOTHING`,
		domain.DefaultProjectID, domain.DefaultWorkspaceID, "Default Project", "", string(domain.ProjectActive), now,
	)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET project_id = ? WHERE project_id IS NULL`,
		domain.DefaultProjectID,
	)
	return err
}
