package events

import (
	"context"
	"sync"
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

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []any
}

func (f *fakeBroadcaster) Broadcast(projectID string, frame any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, frame)
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) Notify(ctx context.Context, workspaceID string, event *domain.TaskEvent, taskName, projectName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPublish_PersistsSynchronously(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Config{}, nil)

	saved, err := p.Publish(context.Background(), domain.EventCreated, "task-1", Meta{})
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID)

	events, err := st.GetTaskEvents(context.Background(), "task-1", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventCreated, events[0].EventType)
}

func TestPublish_FansOutToHandlerBroadcastAndNotifier(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Config{Workers: 2, QueueDepth: 8}, nil)

	var handlerCalls int
	var mu sync.Mutex
	p.RegisterHandler(func(ctx context.Context, event *domain.TaskEvent) {
		mu.Lock()
		defer mu.Unlock()
		handlerCalls++
	})
	bc := &fakeBroadcaster{}
	p.RegisterBroadcaster(bc)
	nt := &fakeNotifier{}
	p.RegisterNotifier(nt)

	_, err := p.Publish(context.Background(), domain.EventCompleted, "task-1", Meta{
		WorkspaceID: "ws-1",
		ProjectID:   "proj-1",
		TaskName:    "T",
	})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return handlerCalls == 1
	})
	waitFor(t, time.Second, func() bool {
		bc.mu.Lock()
		defer bc.mu.Unlock()
		return len(bc.frames) == 1
	})
	waitFor(t, time.Second, func() bool {
		nt.mu.Lock()
		defer nt.mu.Unlock()
		return nt.calls == 1
	})
}

func TestPublish_SkipsBroadcastAndWebhookWithoutMeta(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Config{}, nil)

	bc := &fakeBroadcaster{}
	p.RegisterBroadcaster(bc)
	nt := &fakeNotifier{}
	p.RegisterNotifier(nt)

	_, err := p.Publish(context.Background(), domain.EventStarted, "task-1", Meta{})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	bc.mu.Lock()
	require.Empty(t, bc.frames)
	bc.mu.Unlock()
	nt.mu.Lock()
	require.Zero(t, nt.calls)
	nt.mu.Unlock()
}

func TestTaskCompleted_AttachesResultInDetails(t *testing.T) {
	st := newTestStore(t)
	p := New(st, Config{}, nil)

	saved, err := p.TaskCompleted(context.Background(), "task-1", map[string]any{"ok": true}, Meta{})
	require.NoError(t, err)
	require.Equal(t, domain.EventCompleted, saved.EventType)
	require.Equal(t, map[string]any{"ok": true}, saved.Details["result"])
}
