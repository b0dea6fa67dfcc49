package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskorch/internal/domain"
	"taskorch/internal/store/migrate"
	"taskorch/internal/store/sqlstore"
)

func newTestStore(t *testing.T) *sqlstore.SQLStore {
	t.Helper()
	st, err := sqlstore.Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, migrate.New(st.DB(), nil, migrate.Migrations()).Run(context.Background()))
	return st
}

func seedWebhook(t *testing.T, st *sqlstore.SQLStore, url string, service domain.WebhookService, events ...domain.EventType) *domain.Webhook {
	t.Helper()
	w := &domain.Webhook{
		ID:          "wh-" + string(service),
		WorkspaceID: "default",
		Service:     service,
		URL:         url,
		Events:      events,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.SaveWebhook(context.Background(), w))
	return w
}

func TestDispatch_SendsOnlyToSubscribedWebhooks(t *testing.T) {
	st := newTestStore(t)

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seedWebhook(t, st, srv.URL, domain.WebhookSlack, domain.EventCompleted)

	d := New(st, Config{}, nil)

	results, _, err := d.Dispatch(context.Background(), "default", domain.EventStarted, "t1", "Task 1", "", nil, false)
	require.NoError(t, err)
	require.Empty(t, results)
	require.EqualValues(t, 0, atomic.LoadInt32(&hits))

	results, dispatchID, err := d.Dispatch(context.Background(), "default", domain.EventCompleted, "t1", "Task 1", "", nil, false)
	require.NoError(t, err)
	require.NotEmpty(t, dispatchID)
	require.Equal(t, []bool{true}, results)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestDispatch_BackgroundReturnsImmediatelyWithCorrelationID(t *testing.T) {
	st := newTestStore(t)

	delivered := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered <- struct{}{}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seedWebhook(t, st, srv.URL, domain.WebhookDiscord, domain.EventCompleted)

	d := New(st, Config{}, nil)

	results, dispatchID, err := d.Dispatch(context.Background(), "default", domain.EventCompleted, "t1", "Task 1", "Proj", nil, true)
	require.NoError(t, err)
	require.Nil(t, results)
	require.NotEmpty(t, dispatchID)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("expected background dispatch to reach the webhook endpoint")
	}
}

func TestSend_PayloadCarriesEventTaskAndProject(t *testing.T) {
	st := newTestStore(t)

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := seedWebhook(t, st, srv.URL, domain.WebhookSlack, domain.EventFailed)

	d := New(st, Config{}, nil)
	ok, err := d.send(context.Background(), hook, domain.EventFailed, "t1", "Task 1", "Proj", map[string]any{"error": "boom"})
	require.NoError(t, err)
	require.True(t, ok)

	body, err := json.Marshal(captured)
	require.NoError(t, err)
	require.Contains(t, string(body), "t1")
	require.Contains(t, string(body), "Task 1")
	require.Contains(t, string(body), "boom")
}

func TestSend_RetriesOnFailureThenSucceeds(t *testing.T) {
	st := newTestStore(t)

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := seedWebhook(t, st, srv.URL, domain.WebhookSlack, domain.EventCompleted)

	d := New(st, Config{MaxRetries: 3}, nil)
	ok, err := d.send(context.Background(), hook, domain.EventCompleted, "t1", "Task 1", "", nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 2, atomic.LoadInt32(&attempts))
}

func TestSend_ExhaustsRetriesAndReportsFailure(t *testing.T) {
	st := newTestStore(t)

	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	hook := seedWebhook(t, st, srv.URL, domain.WebhookDiscord, domain.EventCompleted)

	d := New(st, Config{MaxRetries: 2}, nil)
	ok, err := d.send(context.Background(), hook, domain.EventCompleted, "t1", "Task 1", "", nil)
	require.Error(t, err)
	require.False(t, ok)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestSend_UnsupportedServiceRejected(t *testing.T) {
	st := newTestStore(t)
	hook := &domain.Webhook{ID: "wh-x", WorkspaceID: "default", Service: "teams", URL: "http://example.invalid", Active: true}

	d := New(st, Config{}, nil)
	ok, err := d.send(context.Background(), hook, domain.EventCompleted, "t1", "Task 1", "", nil)
	require.Error(t, err)
	require.False(t, ok)
}

func TestTest_SendsSyntheticCreatedEvent(t *testing.T) {
	st := newTestStore(t)

	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hook := seedWebhook(t, st, srv.URL, domain.WebhookSlack)
	hook.Active = false // Test() bypasses active/subscription filtering

	d := New(st, Config{}, nil)
	ok, err := d.Test(context.Background(), hook)
	require.NoError(t, err)
	require.True(t, ok)

	body, err := json.Marshal(captured)
	require.NoError(t, err)
	require.Contains(t, string(body), "test-task")
}

func TestNotify_SatisfiesEventsNotifierInterface(t *testing.T) {
	st := newTestStore(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	seedWebhook(t, st, srv.URL, domain.WebhookSlack, domain.EventCompleted)

	d := New(st, Config{}, nil)
	event := &domain.TaskEvent{ID: "e1", TaskID: "t1", EventType: domain.EventCompleted}
	d.Notify(context.Background(), "default", event, "Task 1", "")
}
