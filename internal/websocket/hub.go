// Package websocket streams execution events to subscribed clients. Each
// connection subscribes to one session's event feed on the bus; the
// orchestrator callback remains the authoritative delivery path.
package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"forgeloop/internal/events"
	"forgeloop/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API carries no credentials; origin checks belong to the fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub tracks live connections per session.
type Hub struct {
	bus *events.Bus

	mu      sync.Mutex
	clients map[string]map[*client]bool
}

type client struct {
	conn      *websocket.Conn
	sessionID string
	feed      chan events.Event
}

// NewHub creates a hub over the event bus.
func NewHub(bus *events.Bus) *Hub {
	return &Hub{bus: bus, clients: make(map[string]map[*client]bool)}
}

// Serve upgrades the request and streams the session's events until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.S().Warnw("websocket upgrade failed", "session", sessionID, "error", err)
		return
	}

	c := &client{
		conn:      conn,
		sessionID: sessionID,
		feed:      h.bus.Subscribe(sessionID, 128),
	}

	h.mu.Lock()
	if h.clients[sessionID] == nil {
		h.clients[sessionID] = make(map[*client]bool)
	}
	h.clients[sessionID][c] = true
	h.mu.Unlock()

	go c.readPump(h)
	go c.writePump()
}

// ClientCount returns live connections for a session.
func (h *Hub) ClientCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[sessionID])
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if set, ok := h.clients[c.sessionID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.sessionID)
		}
	}
	h.mu.Unlock()
	h.bus.Unsubscribe(c.sessionID, c.feed)
	c.conn.Close()
}

// readPump drains client frames so pongs are processed; inbound messages
// are ignored.
func (c *client) readPump(h *Hub) {
	defer h.drop(c)
	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.feed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
