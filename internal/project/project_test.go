package project

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
	"taskorch/internal/workspace"
)

func newTestManagers(t *testing.T) (*Manager, *workspace.Manager) {
	t.Helper()
	st, err := sqlstore.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, migrate.New(st.DB(), nil, migrate.Migrations()).Run(context.Background()))
	ws := workspace.New(st, nil)
	return New(st, ws, nil), ws
}

func TestCreate_RequiresWorkspaceAccess(t *testing.T) {
	pm, ws := newTestManagers(t)
	w, err := ws.Create(context.Background(), "Acme", "user-1", nil)
	require.NoError(t, err)

	_, err = pm.Create(context.Background(), w.ID, "Launch", "stranger", "", nil)
	require.Error(t, err)
	require.Equal(t, apperr.KindAccessDenied, apperr.KindOf(err))

	p, err := pm.Create(context.Background(), w.ID, "Launch", "user-1", "ship it", nil)
	require.NoError(t, err)
	require.Equal(t, domain.ProjectActive, p.Status)
}

func TestUpdate_MergesSettings(t *testing.T) {
	pm, ws := newTestManagers(t)
	w, err := ws.Create(context.Background(), "Acme", "user-1", nil)
	require.NoError(t, err)
	p, err := pm.Create(context.Background(), w.ID, "Launch", "user-1", "", map[string]any{"a": 1})
	require.NoError(t, err)

	updated, err := pm.Update(context.Background(), p.ID, "user-1", nil, nil, nil, map[string]any{"b": 2})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, updated.Settings)
}

func TestArchiveAndRestore_RoundTripStatus(t *testing.T) {
	pm, ws := newTestManagers(t)
	w, err := ws.Create(context.Background(), "Acme", "user-1", nil)
	require.NoError(t, err)
	p, err := pm.Create(context.Background(), w.ID, "Launch", "user-1", "", nil)
	require.NoError(t, err)

	archived, err := pm.Archive(context.Background(), p.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectArchived, archived.Status)

	restored, err := pm.Restore(context.Background(), p.ID, "user-1")
	require.NoError(t, err)
	require.Equal(t, domain.ProjectActive, restored.Status)
}

func TestDelete_RejectsDefaultProject(t *testing.T) {
	pm, _ := newTestManagers(t)
	err := pm.Delete(context.Background(), domain.DefaultProjectID, "")
	require.Error(t, err)
	require.Equal(t, apperr.KindInvalidTransition, apperr.KindOf(err))
}

func TestMembers_AddAndRemove(t *testing.T) {
	pm, ws := newTestManagers(t)
	w, err := ws.Create(context.Background(), "Acme", "user-1", nil)
	require.NoError(t, err)
	p, err := pm.Create(context.Background(), w.ID, "Launch", "user-1", "", nil)
	require.NoError(t, err)

	require.NoError(t, pm.AddMember(context.Background(), p.ID, "user-1", "user-2", domain.RoleViewer, map[string]any{"can_comment": true}))
	members, err := pm.Members(context.Background(), p.ID, "user-1")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.Equal(t, "user-2", members[0].UserID)

	require.NoError(t, pm.RemoveMember(context.Background(), p.ID, "user-1", "user-2"))
	members, err = pm.Members(context.Background(), p.ID, "user-1")
	require.NoError(t, err)
	require.Empty(t, members)
}
