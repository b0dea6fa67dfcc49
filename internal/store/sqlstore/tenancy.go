package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
)

// SaveWorkspace upserts ws by id.
func (s *SQLStore) SaveWorkspace(ctx context.Context, ws *domain.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := jsonOrNull(ws.Settings)
	if err != nil {
		return storageErr("sqlstore.SaveWorkspace", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, owner_id, settings, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, owner_id=excluded.owner_id, settings=excluded.settings, updated_at=excluded.updated_at
	`, ws.ID, ws.Name, nullString(ws.OwnerID), settings, formatTime(ws.CreatedAt), nullTime(ws.UpdatedAt))
	if err != nil {
		return storageErr("sqlstore.SaveWorkspace", err)
	}
	return nil
}

// GetWorkspace returns the workspace with id.
func (s *SQLStore) GetWorkspace(ctx context.Context, id string) (*domain.Workspace, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, owner_id, settings, created_at, updated_at FROM workspaces WHERE id = ?`, id)
	ws, err := scanWorkspace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.GetWorkspace", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetWorkspace", err)
	}
	return ws, nil
}

// ListWorkspaces returns every workspace.
func (s *SQLStore) ListWorkspaces(ctx context.Context) ([]*domain.Workspace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, owner_id, settings, created_at, updated_at FROM workspaces ORDER BY created_at ASC`)
	if err != nil {
		return nil, storageErr("sqlstore.ListWorkspaces", err)
	}
	defer rows.Close()

	var out []*domain.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, storageErr("sqlstore.ListWorkspaces", err)
		}
		out = append(out, ws)
	}
	return out, rows.Err()
}

// DeleteWorkspace removes the workspace row; cascades are enforced by
// the schema's ON DELETE CASCADE foreign keys.
func (s *SQLStore) DeleteWorkspace(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return storageErr("sqlstore.DeleteWorkspace", err)
	}
	return nil
}

func scanWorkspace(row scanner) (*domain.Workspace, error) {
	var ws domain.Workspace
	var ownerID sql.NullString
	var settings []byte
	var createdAt string
	var updatedAt sql.NullString

	if err := row.Scan(&ws.ID, &ws.Name, &ownerID, &settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	ws.OwnerID = ownerID.String
	if err := unmarshalIfPresent(settings, &ws.Settings); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	ws.CreatedAt = created
	if ws.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, err
	}
	return &ws, nil
}

// AddWorkspaceMember upserts a membership row.
func (s *SQLStore) AddWorkspaceMember(ctx context.Context, m *domain.WorkspaceMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workspace_members (workspace_id, user_id, role, joined_at)
		VALUES (?,?,?,?)
		ON CONFLICT(workspace_id, user_id) DO UPDATE SET role=excluded.role
	`, m.WorkspaceID, m.UserID, string(m.Role), formatTime(m.JoinedAt))
	if err != nil {
		return storageErr("sqlstore.AddWorkspaceMember", err)
	}
	return nil
}

// RemoveWorkspaceMember deletes a (workspace, user) membership row.
func (s *SQLStore) RemoveWorkspaceMember(ctx context.Context, workspaceID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM workspace_members WHERE workspace_id = ? AND user_id = ?`, workspaceID, userID)
	if err != nil {
		return storageErr("sqlstore.RemoveWorkspaceMember", err)
	}
	return nil
}

// GetWorkspaceMember returns the membership row for (workspaceID, userID).
func (s *SQLStore) GetWorkspaceMember(ctx context.Context, workspaceID, userID string) (*domain.WorkspaceMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workspace_id, user_id, role, joined_at FROM workspace_members WHERE workspace_id = ? AND user_id = ?`,
		workspaceID, userID,
	)
	var m domain.WorkspaceMember
	var joinedAt string
	if err := row.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New("sqlstore.GetWorkspaceMember", apperr.KindNotFound, nil)
		}
		return nil, storageErr("sqlstore.GetWorkspaceMember", err)
	}
	joined, err := parseTime(joinedAt)
	if err != nil {
		return nil, storageErr("sqlstore.GetWorkspaceMember", err)
	}
	m.JoinedAt = joined
	return &m, nil
}

// ListWorkspaceMembers returns every member of workspaceID.
func (s *SQLStore) ListWorkspaceMembers(ctx context.Context, workspaceID string) ([]*domain.WorkspaceMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, user_id, role, joined_at FROM workspace_members WHERE workspace_id = ? ORDER BY joined_at ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, storageErr("sqlstore.ListWorkspaceMembers", err)
	}
	defer rows.Close()

	var out []*domain.WorkspaceMember
	for rows.Next() {
		var m domain.WorkspaceMember
		var joinedAt string
		if err := rows.Scan(&m.WorkspaceID, &m.UserID, &m.Role, &joinedAt); err != nil {
			return nil, storageErr("sqlstore.ListWorkspaceMembers", err)
		}
		joined, err := parseTime(joinedAt)
		if err != nil {
			return nil, storageErr("sqlstore.ListWorkspaceMembers", err)
		}
		m.JoinedAt = joined
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SaveProject upserts p by id.
func (s *SQLStore) SaveProject(ctx context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := jsonOrNull(p.Settings)
	if err != nil {
		return storageErr("sqlstore.SaveProject", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, workspace_id, name, description, status, settings, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			name=excluded.name, description=excluded.description, status=excluded.status,
			settings=excluded.settings, updated_at=excluded.updated_at
	`, p.ID, p.WorkspaceID, p.Name, p.Description, string(p.Status), settings, formatTime(p.CreatedAt), nullTime(p.UpdatedAt))
	if err != nil {
		return storageErr("sqlstore.SaveProject", err)
	}
	return nil
}

// GetProject returns the project with id.
func (s *SQLStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, description, status, settings, created_at, updated_at FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.GetProject", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetProject", err)
	}
	return p, nil
}

// ListProjectsByWorkspace returns every project in workspaceID.
func (s *SQLStore) ListProjectsByWorkspace(ctx context.Context, workspaceID string) ([]*domain.Project, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, description, status, settings, created_at, updated_at FROM projects WHERE workspace_id = ? ORDER BY created_at ASC`,
		workspaceID,
	)
	if err != nil {
		return nil, storageErr("sqlstore.ListProjectsByWorkspace", err)
	}
	defer rows.Close()

	var out []*domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, storageErr("sqlstore.ListProjectsByWorkspace", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteProject removes the project row.
func (s *SQLStore) DeleteProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return storageErr("sqlstore.DeleteProject", err)
	}
	return nil
}

func scanProject(row scanner) (*domain.Project, error) {
	var p domain.Project
	var settings []byte
	var createdAt string
	var updatedAt sql.NullString

	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &p.Status, &settings, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(settings, &p.Settings); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = created
	if p.UpdatedAt, err = parseNullTime(updatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

// AddProjectMember upserts a membership row.
func (s *SQLStore) AddProjectMember(ctx context.Context, m *domain.ProjectMember) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	permissions, err := jsonOrNull(m.Permissions)
	if err != nil {
		return storageErr("sqlstore.AddProjectMember", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id, role, permissions, joined_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(project_id, user_id) DO UPDATE SET role=excluded.role, permissions=excluded.permissions
	`, m.ProjectID, m.UserID, string(m.Role), permissions, formatTime(m.JoinedAt))
	if err != nil {
		return storageErr("sqlstore.AddProjectMember", err)
	}
	return nil
}

// RemoveProjectMember deletes a (project, user) membership row.
func (s *SQLStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, userID)
	if err != nil {
		return storageErr("sqlstore.RemoveProjectMember", err)
	}
	return nil
}

// GetProjectMember returns the membership row for (projectID, userID).
func (s *SQLStore) GetProjectMember(ctx context.Context, projectID, userID string) (*domain.ProjectMember, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT project_id, user_id, role, permissions, joined_at FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID,
	)
	m, err := scanProjectMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New("sqlstore.GetProjectMember", apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr("sqlstore.GetProjectMember", err)
	}
	return m, nil
}

// ListProjectMembers returns every member of projectID.
func (s *SQLStore) ListProjectMembers(ctx context.Context, projectID string) ([]*domain.ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT project_id, user_id, role, permissions, joined_at FROM project_members WHERE project_id = ? ORDER BY joined_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, storageErr("sqlstore.ListProjectMembers", err)
	}
	defer rows.Close()

	var out []*domain.ProjectMember
	for rows.Next() {
		m, err := scanProjectMember(rows)
		if err != nil {
			return nil, storageErr("sqlstore.ListProjectMembers", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanProjectMember(row scanner) (*domain.ProjectMember, error) {
	var m domain.ProjectMember
	var permissions []byte
	var joinedAt string
	if err := row.Scan(&m.ProjectID, &m.UserID, &m.Role, &permissions, &joinedAt); err != nil {
		return nil, err
	}
	if err := unmarshalIfPresent(permissions, &m.Permissions); err != nil {
		return nil, err
	}
	joined, err := parseTime(joinedAt)
	if err != nil {
		return nil, err
	}
	m.JoinedAt = joined
	return &m, nil
}

// SaveUser upserts u by id.
func (s *SQLStore) SaveUser(ctx context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, last_login)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			email=excluded.email, name=excluded.name, password_hash=excluded.password_hash,
			role=excluded.role, last_login=excluded.last_login
	`, u.ID, u.Email, u.DisplayName, u.PasswordHash, string(u.Role), formatTime(u.CreatedAt), nullTime(u.LastLogin))
	if err != nil {
		return storageErr("sqlstore.SaveUser", err)
	}
	return nil
}

// GetUser returns the user with id.
func (s *SQLStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, password_hash, role, created_at, last_login FROM users WHERE id = ?`, id)
	return scanUserErr(row, "sqlstore.GetUser")
}

// GetUserByEmail returns the user with the given email.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, email, name, password_hash, role, created_at, last_login FROM users WHERE email = ?`, email)
	return scanUserErr(row, "sqlstore.GetUserByEmail")
}

func scanUserErr(row scanner, op string) (*domain.User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.New(op, apperr.KindNotFound, nil)
	}
	if err != nil {
		return nil, storageErr(op, err)
	}
	return u, nil
}

func scanUser(row scanner) (*domain.User, error) {
	var u domain.User
	var createdAt string
	var lastLogin sql.NullString

	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.Role, &createdAt, &lastLogin); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	u.CreatedAt = created
	if u.LastLogin, err = parseNullTime(lastLogin); err != nil {
		return nil, err
	}
	return &u, nil
}
