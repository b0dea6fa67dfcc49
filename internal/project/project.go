// Package project implements project management: the task-grouping
// scope nested under a workspace.
package project

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/logging"
	"taskorch/internal/store"
	"taskorch/internal/workspace"
)

// Manager is the Project manager. Access control delegates to the
// owning workspace's membership, same as the source's
// ProjectManager(state_manager, workspace_manager).
type Manager struct {
	store      store.Store
	workspaces *workspace.Manager
	logger     logging.Logger
}

// New constructs a Manager backed by st, checking access through ws.
func New(st store.Store, ws *workspace.Manager, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop
	}
	return &Manager{store: st, workspaces: ws, logger: logging.WithComponent(logger, "project")}
}

// Create registers a new project in workspaceID. userID must be a
// member of the workspace.
func (m *Manager) Create(ctx context.Context, workspaceID, name, userID, description string, settings map[string]any) (*domain.Project, error) {
	if _, err := m.workspaces.Get(ctx, workspaceID, userID); err != nil {
		return nil, err
	}
	p := &domain.Project{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: description,
		Status:      domain.ProjectActive,
		Settings:    settings,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("project %s created in workspace %s by %s", p.ID, workspaceID, userID)
	return p, nil
}

// Get returns the project with id. If userID is non-empty, the caller
// must have access to the owning workspace.
func (m *Manager) Get(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	p, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		if _, err := m.workspaces.Get(ctx, p.WorkspaceID, userID); err != nil {
			return nil, apperr.New("project.Get", apperr.KindAccessDenied, nil)
		}
	}
	return p, nil
}

// ForWorkspace returns every project in workspaceID. userID must have
// access to the workspace.
func (m *Manager) ForWorkspace(ctx context.Context, workspaceID, userID string) ([]*domain.Project, error) {
	if _, err := m.workspaces.Get(ctx, workspaceID, userID); err != nil {
		return nil, err
	}
	return m.store.ListProjectsByWorkspace(ctx, workspaceID)
}

// Update applies a partial update to a project; settings, if non-nil,
// is shallow-merged rather than replacing the existing map. userID
// must have access to the owning workspace.
func (m *Manager) Update(ctx context.Context, projectID, userID string, name, description *string, status *domain.ProjectStatus, settings map[string]any) (*domain.Project, error) {
	p, err := m.Get(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		p.Name = *name
	}
	if description != nil {
		p.Description = *description
	}
	if status != nil {
		p.Status = *status
	}
	if settings != nil {
		p.Settings = mergeSettings(p.Settings, settings)
	}
	now := time.Now().UTC()
	p.UpdatedAt = &now
	if err := m.store.SaveProject(ctx, p); err != nil {
		return nil, err
	}
	m.logger.Info("project %s updated by %s", projectID, userID)
	return p, nil
}

// Archive moves a project to the archived status.
func (m *Manager) Archive(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	archived := domain.ProjectArchived
	return m.Update(ctx, projectID, userID, nil, nil, &archived, nil)
}

// Restore moves an archived project back to active.
func (m *Manager) Restore(ctx context.Context, projectID, userID string) (*domain.Project, error) {
	active := domain.ProjectActive
	return m.Update(ctx, projectID, userID, nil, nil, &active, nil)
}

// Delete removes a project. The reserved default project can never be
// deleted.
func (m *Manager) Delete(ctx context.Context, projectID, userID string) error {
	if _, err := m.Get(ctx, projectID, userID); err != nil {
		return err
	}
	if projectID == domain.DefaultProjectID {
		return apperr.New("project.Delete", apperr.KindInvalidTransition, nil)
	}
	if err := m.store.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	m.logger.Info("project %s deleted by %s", projectID, userID)
	return nil
}

// AddMember adds memberID to projectID's own membership table
// (distinct from workspace membership — a project may include
// collaborators who are not full workspace members).
func (m *Manager) AddMember(ctx context.Context, projectID, userID, memberID string, role domain.Role, permissions map[string]any) error {
	if _, err := m.Get(ctx, projectID, userID); err != nil {
		return err
	}
	return m.store.AddProjectMember(ctx, &domain.ProjectMember{
		ProjectID:   projectID,
		UserID:      memberID,
		Role:        role,
		Permissions: permissions,
		JoinedAt:    time.Now().UTC(),
	})
}

// RemoveMember removes memberID from projectID's membership table.
func (m *Manager) RemoveMember(ctx context.Context, projectID, userID, memberID string) error {
	if _, err := m.Get(ctx, projectID, userID); err != nil {
		return err
	}
	return m.store.RemoveProjectMember(ctx, projectID, memberID)
}

// Members returns every member of projectID.
func (m *Manager) Members(ctx context.Context, projectID, userID string) ([]*domain.ProjectMember, error) {
	if _, err := m.Get(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return m.store.ListProjectMembers(ctx, projectID)
}

func mergeSettings(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
