// Package workspace implements workspace management: the top tenancy
// boundary, with admin-gated membership and settings.
package workspace

import (
	"context"
	"time"

	"github.com/google/uuid"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/logging"
	"taskorch/internal/store"
)

// Manager is the Workspace manager.
type Manager struct {
	store  store.Store
	logger logging.Logger
}

// New constructs a Manager backed by st.
func New(st store.Store, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.Nop
	}
	return &Manager{store: st, logger: logging.WithComponent(logger, "workspace")}
}

// Create registers a new workspace and adds ownerID as its admin
// member.
func (m *Manager) Create(ctx context.Context, name, ownerID string, settings map[string]any) (*domain.Workspace, error) {
	ws := &domain.Workspace{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		Settings:  settings,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	if err := m.store.AddWorkspaceMember(ctx, &domain.WorkspaceMember{
		WorkspaceID: ws.ID,
		UserID:      ownerID,
		Role:        domain.RoleAdmin,
		JoinedAt:    ws.CreatedAt,
	}); err != nil {
		return nil, err
	}
	m.logger.Info("workspace %s created by %s", ws.ID, ownerID)
	return ws, nil
}

// Get returns the workspace with id. If userID is non-empty, the
// caller must be a member or access-denied is returned.
func (m *Manager) Get(ctx context.Context, workspaceID, userID string) (*domain.Workspace, error) {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if userID != "" {
		if _, err := m.store.GetWorkspaceMember(ctx, workspaceID, userID); err != nil {
			return nil, apperr.New("workspace.Get", apperr.KindAccessDenied, nil)
		}
	}
	return ws, nil
}

// ForUser returns every workspace userID belongs to.
func (m *Manager) ForUser(ctx context.Context, userID string) ([]*domain.Workspace, error) {
	all, err := m.store.ListWorkspaces(ctx)
	if err != nil {
		return nil, err
	}
	var out []*domain.Workspace
	for _, ws := range all {
		if _, err := m.store.GetWorkspaceMember(ctx, ws.ID, userID); err == nil {
			out = append(out, ws)
		}
	}
	return out, nil
}

// Update applies a partial update: name, if non-nil, replaces the
// current name; settings, if non-nil, is shallow-merged into the
// existing settings map rather than replacing it wholesale. Requires
// userID to hold the admin role.
func (m *Manager) Update(ctx context.Context, workspaceID, userID string, name *string, settings map[string]any) (*domain.Workspace, error) {
	if err := m.requireAdmin(ctx, workspaceID, userID); err != nil {
		return nil, err
	}
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		ws.Name = *name
	}
	if settings != nil {
		ws.Settings = mergeSettings(ws.Settings, settings)
	}
	now := time.Now().UTC()
	ws.UpdatedAt = &now
	if err := m.store.SaveWorkspace(ctx, ws); err != nil {
		return nil, err
	}
	m.logger.Info("workspace %s updated by %s", workspaceID, userID)
	return ws, nil
}

// Delete removes a workspace. Only the owner may delete it, and the
// reserved default workspace can never be deleted.
func (m *Manager) Delete(ctx context.Context, workspaceID, userID string) error {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if ws.OwnerID != userID {
		return apperr.New("workspace.Delete", apperr.KindAccessDenied, nil)
	}
	if workspaceID == domain.DefaultWorkspaceID {
		return apperr.New("workspace.Delete", apperr.KindInvalidTransition, nil)
	}
	if err := m.store.DeleteWorkspace(ctx, workspaceID); err != nil {
		return err
	}
	m.logger.Info("workspace %s deleted by %s", workspaceID, userID)
	return nil
}

// AddMember adds newMemberID to workspaceID with role. Requires userID
// to hold the admin role.
func (m *Manager) AddMember(ctx context.Context, workspaceID, userID, newMemberID string, role domain.Role) error {
	if err := m.requireAdmin(ctx, workspaceID, userID); err != nil {
		return err
	}
	if err := m.store.AddWorkspaceMember(ctx, &domain.WorkspaceMember{
		WorkspaceID: workspaceID,
		UserID:      newMemberID,
		Role:        role,
		JoinedAt:    time.Now().UTC(),
	}); err != nil {
		return err
	}
	m.logger.Info("workspace %s: %s added %s as %s", workspaceID, userID, newMemberID, role)
	return nil
}

// RemoveMember removes memberID from workspaceID. Requires userID to
// hold the admin role; the workspace owner can never be removed.
func (m *Manager) RemoveMember(ctx context.Context, workspaceID, userID, memberID string) error {
	ws, err := m.store.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return err
	}
	if err := m.requireAdmin(ctx, workspaceID, userID); err != nil {
		return err
	}
	if ws.OwnerID == memberID {
		return apperr.New("workspace.RemoveMember", apperr.KindInvalidTransition, nil)
	}
	if err := m.store.RemoveWorkspaceMember(ctx, workspaceID, memberID); err != nil {
		return err
	}
	m.logger.Info("workspace %s: %s removed %s", workspaceID, userID, memberID)
	return nil
}

// Members returns every member of workspaceID. Requires userID to be
// a member.
func (m *Manager) Members(ctx context.Context, workspaceID, userID string) ([]*domain.WorkspaceMember, error) {
	if _, err := m.Get(ctx, workspaceID, userID); err != nil {
		return nil, err
	}
	return m.store.ListWorkspaceMembers(ctx, workspaceID)
}

// MemberRole returns userID's role in workspaceID, or ("", false, nil)
// if userID is not a member.
func (m *Manager) MemberRole(ctx context.Context, workspaceID, userID string) (domain.Role, bool, error) {
	member, err := m.store.GetWorkspaceMember(ctx, workspaceID, userID)
	if apperr.Is(err, apperr.KindNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member.Role, true, nil
}

func (m *Manager) requireAdmin(ctx context.Context, workspaceID, userID string) error {
	role, ok, err := m.MemberRole(ctx, workspaceID, userID)
	if err != nil {
		return err
	}
	if !ok || role != domain.RoleAdmin {
		return apperr.New("workspace.requireAdmin", apperr.KindAccessDenied, nil)
	}
	return nil
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
