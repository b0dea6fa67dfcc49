package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"taskorch/internal/events"
	"taskorch/internal/lock"
	"taskorch/internal/project"
	"taskorch/internal/queue"
	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
	"taskorch/internal/webhook"
	"taskorch/internal/workspace"
	"taskorch/internal/ws"
)

// newTestContainer wires a container against a private in-memory
// store, the way newTestQueue wires a Queue in internal/queue's own
// tests — skipping config.Load and the bootstrap stages since tests
// need no file-backed configuration.
func newTestContainer(t *testing.T) *container {
	t.Helper()
	st, err := sqlstore.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, migrate.New(st.DB(), nil, migrate.Migrations()).Run(context.Background()))

	q := queue.New(st, queue.Config{MaxConcurrent: 5, DefaultPriority: 5, MaxRetries: 3}, nil)
	require.NoError(t, q.Initialize(context.Background()))

	hub := ws.New(nil)
	webhooks := webhook.New(st, webhook.Config{}, nil)
	publisher := events.New(st, events.Config{}, nil)
	publisher.RegisterBroadcaster(hub)
	publisher.RegisterNotifier(webhooks)

	workspaces := workspace.New(st, nil)
	proj := project.New(st, workspaces, nil)

	return &container{
		store:      st,
		queue:      q,
		locks:      lock.New(st),
		hub:        hub,
		publisher:  publisher,
		webhooks:   webhooks,
		workspaces: workspaces,
		projects:   proj,
		logger:     nil,
	}
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	c := newTestContainer(t)
	srv := httptest.NewServer(newRouter(c))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	decodeBody(t, resp, &body)
	require.Equal(t, "ok", body["status"])
}

func TestRegisterAndCompleteTask(t *testing.T) {
	c := newTestContainer(t)
	srv := httptest.NewServer(newRouter(c))
	defer srv.Close()

	wsResp, err := http.Post(srv.URL+"/workspaces", "application/json", bytes.NewBufferString(`{"name":"acme"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, wsResp.StatusCode)
	var wsBody struct {
		ID string `json:"id"`
	}
	decodeBody(t, wsResp, &wsBody)

	projResp, err := http.Post(srv.URL+"/projects", "application/json",
		bytes.NewBufferString(`{"workspace_id":"`+wsBody.ID+`","name":"launch"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, projResp.StatusCode)
	var projBody struct {
		ID string `json:"id"`
	}
	decodeBody(t, projResp, &projBody)

	registerResp, err := http.Post(srv.URL+"/tasks", "application/json",
		bytes.NewBufferString(`{"tasks":[{"ProjectID":"`+projBody.ID+`","Name":"build"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, registerResp.StatusCode)
	var registerBody struct {
		TaskIDs []string `json:"task_ids"`
	}
	decodeBody(t, registerResp, &registerBody)
	require.Len(t, registerBody.TaskIDs, 1)

	nextResp, err := http.Post(srv.URL+"/tasks/next", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, nextResp.StatusCode)
	var task struct {
		ID string `json:"ID"`
	}
	decodeBody(t, nextResp, &task)
	require.Equal(t, registerBody.TaskIDs[0], task.ID)

	completeResp, err := http.Post(srv.URL+"/tasks/"+task.ID+"/complete", "application/json",
		bytes.NewBufferString(`{"result":{"ok":true}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, completeResp.StatusCode)
}

func TestAcquireAndReleaseLock(t *testing.T) {
	c := newTestContainer(t)
	srv := httptest.NewServer(newRouter(c))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/locks/acquire",
		bytes.NewBufferString(`{"resource_type":"project","resource_id":"p1","ttl_seconds":30}`))
	require.NoError(t, err)
	req.Header.Set("X-User-Id", "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var lockBody struct {
		ID string `json:"ID"`
	}
	decodeBody(t, resp, &lockBody)

	releaseReq, err := http.NewRequest(http.MethodPost, srv.URL+"/locks/"+lockBody.ID+"/release", nil)
	require.NoError(t, err)
	releaseReq.Header.Set("X-User-Id", "alice")
	releaseResp, err := http.DefaultClient.Do(releaseReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, releaseResp.StatusCode)
}
