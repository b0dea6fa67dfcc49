// Package store defines the Store interface: the durable relational
// layer over tasks, events, locks, workspaces, projects, memberships,
// webhooks and the migration ledger. Implementations live in
// sub-packages (sqlstore, for the embedded SQLite-backed store).
package store

import (
	"context"
	"time"

	"taskorch/internal/domain"
)

// Store is an async, key-ordered relational layer over an embedded SQL
// database. It exposes typed operations returning immutable entity
// snapshots; callers never see backing rows. All write paths are
// serialized by the database's single-writer lock.
type Store interface {
	// Tasks.
	SaveTask(ctx context.Context, task *domain.Task) error
	GetTask(ctx context.Context, id string) (*domain.Task, error)
	GetAllTasks(ctx context.Context) ([]*domain.Task, error)
	GetTasksByStatus(ctx context.Context, status domain.TaskStatus) ([]*domain.Task, error)
	GetTasksByProject(ctx context.Context, projectID string) ([]*domain.Task, error)
	// UpdateTaskStatus sets status, stamping started_at on the first
	// pending/queued->running transition and completed_at on any
	// transition into a terminal state. result/error are optional.
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, result map[string]any, errMsg string) (*domain.Task, error)
	// UpdateTaskVersion atomically increments version and returns the
	// new value, for optimistic-concurrency callers.
	UpdateTaskVersion(ctx context.Context, id string) (int, error)
	DeleteTask(ctx context.Context, id string) error

	// Task events.
	CreateTaskEvent(ctx context.Context, event *domain.TaskEvent) (*domain.TaskEvent, error)
	GetTaskEvents(ctx context.Context, taskID string, limit int) ([]*domain.TaskEvent, error)
	GetRecentEvents(ctx context.Context, limit int) ([]*domain.TaskEvent, error)

	// Locks.
	//
	// AcquireLock performs, in one transaction: delete rows where
	// expires_at < now; if any row for (resourceType, resourceID)
	// survives, return (nil, nil); else insert and return the new lock.
	AcquireLock(ctx context.Context, lockID, resourceType, resourceID, holderID string, expiresAt *time.Time) (*domain.Lock, error)
	// ReleaseLock deletes the row matching id and holder, reporting
	// whether a row was removed.
	ReleaseLock(ctx context.Context, lockID, holderID string) (bool, error)
	// GetLock lazily purges expired rows before reading.
	GetLock(ctx context.Context, resourceType, resourceID string) (*domain.Lock, error)
	LocksByHolder(ctx context.Context, holderID string) ([]*domain.Lock, error)
	AllLocks(ctx context.Context) ([]*domain.Lock, error)

	// Workspaces.
	SaveWorkspace(ctx context.Context, ws *domain.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error)
	DeleteWorkspace(ctx context.Context, id string) error
	AddWorkspaceMember(ctx context.Context, m *domain.WorkspaceMember) error
	RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string) error
	GetWorkspaceMember(ctx context.Context, workspaceID, userID string) (*domain.WorkspaceMember, error)
	ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]*domain.WorkspaceMember, error)

	// Projects.
	SaveProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjectsByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
	AddProjectMember(ctx context.Context, m *domain.ProjectMember) error
	RemoveProjectMember(ctx context.Context, projectID, userID string) error
	GetProjectMember(ctx context.Context, projectID, userID string) (*domain.ProjectMember, error)
	ListProjectMembers(ctx context.Context, projectID string) ([]*domain.ProjectMember, error)

	// Users.
	SaveUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)

	// Webhooks.
	SaveWebhook(ctx context.Context, w *domain.Webhook) error
	GetWebhook(ctx context.Context, id string) (*domain.Webhook, error)
	ListWebhooksByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Webhook, error)
	DeleteWebhook(ctx context.Context, id string) error

	// Migration ledger.
	AppliedMigrations(ctx context.Context) ([]*domain.MigrationRecord, error)
	RecordMigration(ctx context.Context, rec *domain.MigrationRecord) error

	// Close releases underlying resources (the database connection).
	Close() error
}
