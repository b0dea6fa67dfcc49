package main

import (
	"encoding/json"
	"net/http"
	"time"

	"taskorch/internal/apperr"
	"taskorch/internal/domain"
	"taskorch/internal/events"
	"taskorch/internal/lock"
	"taskorch/internal/metrics"
	"taskorch/internal/queue"
)

// taskMeta resolves the event Meta for a single persisted task; see
// eventMeta for the lookup and degradation rules.
func (c *container) taskMeta(r *http.Request, t *domain.Task) events.Meta {
	return c.eventMeta(r, t.ProjectID, t.Name)
}

// eventMeta resolves the event Meta for a task by project and name: the
// project (for the WebSocket broadcast scope) and, when it exists, its
// owning workspace (for the webhook subscription lookup). A lookup
// failure degrades to a broadcast-only meta rather than failing the
// caller's request — event fan-out is best-effort by design.
func (c *container) eventMeta(r *http.Request, projectID, taskName string) events.Meta {
	meta := events.Meta{ProjectID: projectID, TaskName: taskName, UserID: principal(r)}
	if projectID == "" {
		return meta
	}
	p, err := c.projects.Get(r.Context(), projectID, "")
	if err != nil {
		return meta
	}
	meta.WorkspaceID = p.WorkspaceID
	meta.ProjectName = p.Name
	return meta
}

// eventMetaCache resolves eventMeta once per distinct project within a
// batch request, since handleRegisterTasks may register many tasks
// against the same project in one call.
type eventMetaCache struct {
	c        *container
	r        *http.Request
	resolved map[string]events.Meta
}

func newEventMetaCache(c *container, r *http.Request) *eventMetaCache {
	return &eventMetaCache{c: c, r: r, resolved: make(map[string]events.Meta)}
}

func (m *eventMetaCache) get(projectID, taskName string) events.Meta {
	meta, ok := m.resolved[projectID]
	if !ok {
		meta = m.c.eventMeta(m.r, projectID, taskName)
		m.resolved[projectID] = meta
	}
	meta.TaskName = taskName
	return meta
}

func lockOptsFromSeconds(ttlSeconds int, wait bool, waitSeconds int) lock.AcquireOptions {
	return lock.AcquireOptions{
		TTL:         time.Duration(ttlSeconds) * time.Second,
		Wait:        wait,
		WaitTimeout: time.Duration(waitSeconds) * time.Second,
	}
}

// newRouter builds the thin HTTP transport described in the
// orchestration contract: it maps each route onto a single core
// operation and performs no business-logic validation of its own —
// that belongs to the core components it calls.
func newRouter(c *container) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", c.handleWS)

	mux.HandleFunc("POST /workspaces", c.handleCreateWorkspace)
	mux.HandleFunc("GET /workspaces", c.handleListWorkspaces)
	mux.HandleFunc("GET /workspaces/{id}", c.handleGetWorkspace)
	mux.HandleFunc("PATCH /workspaces/{id}", c.handleUpdateWorkspace)
	mux.HandleFunc("DELETE /workspaces/{id}", c.handleDeleteWorkspace)
	mux.HandleFunc("POST /workspaces/{id}/members", c.handleAddWorkspaceMember)
	mux.HandleFunc("DELETE /workspaces/{id}/members/{memberID}", c.handleRemoveWorkspaceMember)

	mux.HandleFunc("POST /projects", c.handleCreateProject)
	mux.HandleFunc("GET /projects/{id}", c.handleGetProject)
	mux.HandleFunc("POST /projects/{id}/archive", c.handleArchiveProject)
	mux.HandleFunc("POST /projects/{id}/restore", c.handleRestoreProject)
	mux.HandleFunc("DELETE /projects/{id}", c.handleDeleteProject)

	mux.HandleFunc("POST /tasks", c.handleRegisterTasks)
	mux.HandleFunc("POST /tasks/next", c.handleGetNextTask)
	mux.HandleFunc("POST /tasks/{id}/complete", c.handleCompleteTask)
	mux.HandleFunc("POST /tasks/{id}/fail", c.handleFailTask)
	mux.HandleFunc("POST /tasks/{id}/cancel", c.handleCancelTask)
	mux.HandleFunc("GET /tasks/{id}/explain", c.handleExplainTask)
	mux.HandleFunc("GET /tasks/execution-order", c.handleExecutionOrder)

	mux.HandleFunc("POST /locks/acquire", c.handleAcquireLock)
	mux.HandleFunc("POST /locks/{id}/release", c.handleReleaseLock)
	mux.HandleFunc("GET /locks", c.handleListLocks)

	return mux
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *container) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("project_id")
	if projectID == "" {
		http.Error(w, "project_id is required", http.StatusBadRequest)
		return
	}
	if err := c.hub.Accept(r.Context(), w, r, projectID); err != nil {
		c.logger.Warn("ws accept failed for project %s: %v", projectID, err)
	}
}

// principal returns the already-resolved caller id. The core consumes
// an opaque principal string and never itself resolves auth tokens;
// a real transport would extract this from a verified JWT, here it's
// read from the header the transport is expected to set.
func principal(r *http.Request) string {
	return r.Header.Get("X-User-Id")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindAccessDenied:
		status = http.StatusForbidden
	case apperr.KindInvalidTransition, apperr.KindCycle:
		status = http.StatusConflict
	case apperr.KindAcquisitionFailed, apperr.KindNotHeld:
		status = http.StatusConflict
	case apperr.KindStorageFault, apperr.KindMigrationFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// --- Workspaces ---

func (c *container) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string         `json:"name"`
		Settings map[string]any `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := c.workspaces.Create(r.Context(), req.Name, principal(r), req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (c *container) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := c.workspaces.ForUser(r.Context(), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (c *container) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := c.workspaces.Get(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (c *container) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     *string        `json:"name"`
		Settings map[string]any `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := c.workspaces.Update(r.Context(), r.PathValue("id"), principal(r), req.Name, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (c *container) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	if err := c.workspaces.Delete(r.Context(), r.PathValue("id"), principal(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *container) handleAddWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string      `json:"user_id"`
		Role   domain.Role `json:"role"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := c.workspaces.AddMember(r.Context(), r.PathValue("id"), principal(r), req.UserID, req.Role); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *container) handleRemoveWorkspaceMember(w http.ResponseWriter, r *http.Request) {
	if err := c.workspaces.RemoveMember(r.Context(), r.PathValue("id"), principal(r), r.PathValue("memberID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Projects ---

func (c *container) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkspaceID string         `json:"workspace_id"`
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Settings    map[string]any `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p, err := c.projects.Create(r.Context(), req.WorkspaceID, req.Name, principal(r), req.Description, req.Settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (c *container) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := c.projects.Get(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *container) handleArchiveProject(w http.ResponseWriter, r *http.Request) {
	p, err := c.projects.Archive(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *container) handleRestoreProject(w http.ResponseWriter, r *http.Request) {
	p, err := c.projects.Restore(r.Context(), r.PathValue("id"), principal(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (c *container) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := c.projects.Delete(r.Context(), r.PathValue("id"), principal(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Tasks ---

func (c *container) handleRegisterTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tasks []queue.TaskCreate `json:"tasks"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for i := range req.Tasks {
		req.Tasks[i].CreatedBy = principal(r)
	}
	ids, err := c.queue.Register(r.Context(), req.Tasks)
	if err != nil {
		writeError(w, err)
		return
	}
	metaCache := newEventMetaCache(c, r)
	for i, id := range ids {
		meta := metaCache.get(req.Tasks[i].ProjectID, req.Tasks[i].Name)
		if _, err := c.publisher.TaskCreated(r.Context(), id, meta); err != nil {
			c.logger.Warn("publish created event for task %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task_ids": ids})
}

func (c *container) handleGetNextTask(w http.ResponseWriter, r *http.Request) {
	t, err := c.queue.GetNext(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, err := c.publisher.TaskStarted(r.Context(), t.ID, c.taskMeta(r, t)); err != nil {
		c.logger.Warn("publish started event for task %s: %v", t.ID, err)
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *container) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Result map[string]any `json:"result"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	t, err := c.queue.Complete(r.Context(), id, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := c.publisher.TaskCompleted(r.Context(), id, req.Result, c.taskMeta(r, t)); err != nil {
		c.logger.Warn("publish completed event for task %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *container) handleFailTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error string `json:"error"`
		Retry bool   `json:"retry"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")
	t, err := c.queue.Fail(r.Context(), id, req.Error, req.Retry)
	if err != nil {
		writeError(w, err)
		return
	}
	if t.Status == domain.TaskFailed {
		if _, err := c.publisher.TaskFailed(r.Context(), id, req.Error, c.taskMeta(r, t)); err != nil {
			c.logger.Warn("publish failed event for task %s: %v", id, err)
		}
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *container) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	t, err := c.queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, err := c.publisher.TaskCancelled(r.Context(), id, c.taskMeta(r, t)); err != nil {
		c.logger.Warn("publish cancelled event for task %s: %v", id, err)
	}
	writeJSON(w, http.StatusOK, t)
}

func (c *container) handleExplainTask(w http.ResponseWriter, r *http.Request) {
	ex, err := c.queue.Explain(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ex)
}

func (c *container) handleExecutionOrder(w http.ResponseWriter, r *http.Request) {
	order, err := c.queue.ExecutionOrder()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

// --- Locks ---

func (c *container) handleAcquireLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ResourceType string `json:"resource_type"`
		ResourceID   string `json:"resource_id"`
		TTLSeconds   int    `json:"ttl_seconds"`
		Wait         bool   `json:"wait"`
		WaitSeconds  int    `json:"wait_seconds"`
	}
	if err := decodeJSON(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	opts := lockOptsFromSeconds(req.TTLSeconds, req.Wait, req.WaitSeconds)
	l, err := c.locks.Acquire(r.Context(), req.ResourceType, req.ResourceID, principal(r), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (c *container) handleReleaseLock(w http.ResponseWriter, r *http.Request) {
	if err := c.locks.Release(r.Context(), r.PathValue("id"), principal(r)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *container) handleListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := c.locks.AllLocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, locks)
}
