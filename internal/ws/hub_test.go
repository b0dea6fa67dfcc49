package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

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

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h
}

func TestHub_BroadcastReachesOnlySubscribedProject(t *testing.T) {
	h := newTestHub(t)

	c1 := newConn(nil, h)
	c2 := newConn(nil, h)
	h.register <- &registration{conn: c1, projectID: "p1"}
	h.register <- &registration{conn: c2, projectID: "p2"}

	waitFor(t, time.Second, func() bool { return h.ClientCount("p1") == 1 && h.ClientCount("p2") == 1 })

	h.Broadcast("p1", map[string]any{"type": "task_event", "event_type": "completed", "task_id": "t1"})

	select {
	case data := <-c1.send:
		var frame TaskEventMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		require.Equal(t, "completed", frame.EventType)
		require.Equal(t, "t1", frame.TaskID)
		require.NotEmpty(t, frame.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected c1 to receive the broadcast")
	}

	select {
	case <-c2.send:
		t.Fatal("c2 should not receive a broadcast for a project it never joined")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_SubscribeAddsConnToAnotherProject(t *testing.T) {
	h := newTestHub(t)

	c := newConn(nil, h)
	h.register <- &registration{conn: c, projectID: "p1"}
	waitFor(t, time.Second, func() bool { return h.ClientCount("p1") == 1 })

	h.subscribe(c, "p2")
	waitFor(t, time.Second, func() bool { return h.ClientCount("p2") == 1 })

	h.Broadcast("p2", map[string]any{"type": "task_event", "event_type": "started", "task_id": "t2"})
	select {
	case <-c.send:
	case <-time.After(time.Second):
		t.Fatal("expected subscribed connection to receive broadcast on the new project")
	}
}

func TestHub_UnregisterRemovesFromEveryProject(t *testing.T) {
	h := newTestHub(t)

	c := newConn(nil, h)
	h.register <- &registration{conn: c, projectID: "p1"}
	waitFor(t, time.Second, func() bool { return h.ClientCount("p1") == 1 })
	h.subscribe(c, "p2")
	waitFor(t, time.Second, func() bool { return h.ClientCount("p2") == 1 })

	h.unregisterConn(c)
	waitFor(t, time.Second, func() bool { return h.ClientCount("p1") == 0 && h.ClientCount("p2") == 0 })
}

func TestMarshalFrame_StampsFreshTimestamp(t *testing.T) {
	data, err := marshalFrame(map[string]any{"type": "task_event", "timestamp": "stale"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.NotEqual(t, "stale", decoded["timestamp"])
}
