// Package ws implements the WebSocket Hub: an in-process table of
// project_id -> set of connections, fed by the Event Publisher and
// driven by a single actor goroutine so the membership table never
// needs its own lock against concurrent mutation.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"taskorch/internal/logging"
	"taskorch/internal/metrics"
)

// Hub is the WebSocket Hub described in the orchestration contract. It
// implements events.Broadcaster, so the Event Publisher holds it only
// through that interface.
type Hub struct {
	mu      sync.RWMutex // guards clients for ClientCount reads from other goroutines
	clients map[string]map[string]*Conn // project id -> conn id -> conn

	connProjects map[string]map[string]struct{} // conn id -> set of project ids it's registered under

	register     chan *registration
	unregisterCh chan *Conn
	subscribeCh  chan *registration
	broadcastCh  chan broadcastMsg

	logger logging.Logger
}

// New constructs a Hub. Call Run in its own goroutine before accepting
// connections.
func New(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop
	}
	return &Hub{
		clients:      make(map[string]map[string]*Conn),
		connProjects: make(map[string]map[string]struct{}),
		register:     make(chan *registration, 16),
		unregisterCh: make(chan *Conn, 16),
		subscribeCh:  make(chan *registration, 16),
		broadcastCh:  make(chan broadcastMsg, 256),
		logger:       logging.WithComponent(logger, "ws"),
	}
}

// Run drives the hub's single actor loop until ctx is cancelled, at
// which point every connection is closed and the tables are cleared.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			// A connection subscribed to several projects appears in
			// several sets; close its send channel only once.
			closed := make(map[string]struct{})
			for _, set := range h.clients {
				for id, c := range set {
					if _, done := closed[id]; done {
						continue
					}
					closed[id] = struct{}{}
					close(c.send)
				}
			}
			h.clients = make(map[string]map[string]*Conn)
			h.connProjects = make(map[string]map[string]struct{})
			h.mu.Unlock()
			return

		case reg := <-h.register:
			h.addToProject(reg.conn, reg.projectID)
			h.logger.Debug("ws connection %s joined project %s (total %d)", reg.conn.id, reg.projectID, h.clientCountLocked(reg.projectID))

		case reg := <-h.subscribeCh:
			h.addToProject(reg.conn, reg.projectID)

		case conn := <-h.unregisterCh:
			h.removeConn(conn)

		case msg := <-h.broadcastCh:
			h.dispatch(msg)
		}
	}
}

func (h *Hub) addToProject(c *Conn, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[projectID]
	if !ok {
		set = make(map[string]*Conn)
		h.clients[projectID] = set
	}
	set[c.id] = c

	projects, ok := h.connProjects[c.id]
	if !ok {
		projects = make(map[string]struct{})
		h.connProjects[c.id] = projects
		metrics.WSConnectionsActive.Inc()
	}
	projects[projectID] = struct{}{}
}

func (h *Hub) removeConn(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for projectID := range h.connProjects[c.id] {
		if set, ok := h.clients[projectID]; ok {
			delete(set, c.id)
			if len(set) == 0 {
				delete(h.clients, projectID)
			}
		}
	}
	delete(h.connProjects, c.id)
	close(c.send)
	metrics.WSConnectionsActive.Dec()
}

func (h *Hub) clientCountLocked(projectID string) int {
	return len(h.clients[projectID])
}

// Accept upgrades r into a WebSocket connection, registers it under
// projectID, sends the initial connected frame, and starts its
// read/write pumps. It blocks until the connection closes.
func (h *Hub) Accept(ctx context.Context, w http.ResponseWriter, r *http.Request, projectID string) error {
	raw, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return err
	}

	c := newConn(raw, h)
	select {
	case h.register <- &registration{conn: c, projectID: projectID}:
	default:
		h.logger.Warn("ws hub not accepting connections, dropping connect for project %s", projectID)
		raw.Close(websocket.StatusTryAgainLater, "server busy")
		return nil
	}

	go c.writePump(ctx)
	c.sendJSON(ConnectedMessage{Type: "connected", ProjectID: projectID, Timestamp: nowStamp()})
	c.readPump(ctx, projectID, h.logger)
	return nil
}

func (h *Hub) subscribe(c *Conn, projectID string) {
	select {
	case h.subscribeCh <- &registration{conn: c, projectID: projectID}:
	default:
		h.logger.Warn("ws hub subscribe channel full, dropping subscribe for connection %s", c.id)
	}
}

func (h *Hub) unregisterConn(c *Conn) {
	select {
	case h.unregisterCh <- c:
	default:
		h.logger.Warn("ws hub unregister channel full for connection %s", c.id)
	}
}

// Broadcast stamps frame with a fresh timestamp-bearing envelope
// (already carried by the caller for TaskEventMessage-shaped payloads)
// and serializes it once for every connection subscribed to
// projectID. It implements events.Broadcaster.
func (h *Hub) Broadcast(projectID string, frame any) {
	data, err := marshalFrame(frame)
	if err != nil {
		h.logger.Error("ws broadcast marshal failed for project %s: %v", projectID, err)
		return
	}
	select {
	case h.broadcastCh <- broadcastMsg{projectID: projectID, data: data}:
	default:
		h.logger.Warn("ws hub broadcast channel full, dropping frame for project %s", projectID)
	}
}

func (h *Hub) dispatch(msg broadcastMsg) {
	h.mu.RLock()
	set := h.clients[msg.projectID]
	conns := make([]*Conn, 0, len(set))
	for _, c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var dead []*Conn
	for _, c := range conns {
		select {
		case c.send <- msg.data:
			metrics.WSMessagesSentTotal.WithLabelValues("task_event").Inc()
		default:
			dead = append(dead, c)
		}
	}
	for _, c := range dead {
		h.logger.Warn("ws connection %s send buffer full, dropping frame for project %s", c.id, msg.projectID)
	}
}

// ClientCount returns the number of connections currently subscribed
// to projectID.
func (h *Hub) ClientCount(projectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[projectID])
}

// marshalFrame stamps a fresh timestamp onto map-shaped frames (the
// Event Publisher hands broadcasts over as plain maps) before encoding
// once for every recipient.
func marshalFrame(frame any) ([]byte, error) {
	if m, ok := frame.(map[string]any); ok {
		stamped := make(map[string]any, len(m)+1)
		for k, v := range m {
			stamped[k] = v
		}
		stamped["timestamp"] = nowStamp()
		return json.Marshal(stamped)
	}
	return json.Marshal(frame)
}
