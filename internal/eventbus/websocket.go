package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// upgrader configures the WebSocket handshake.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins; auth is handled at the HTTP layer.
	},
}

// wsIncoming represents a message from a WebSocket client.
type wsIncoming struct {
	Type      string `json:"type"` // join-project, leave-project, ping
	ProjectID string `json:"projectId,omitempty"`
}

// wsOutgoing represents a control frame sent to a WebSocket client.
type wsOutgoing struct {
	Type      string `json:"type"` // joined, left, pong, error
	ProjectID string `json:"projectId,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Gateway bridges websocket clients to the bus. Each connection holds one
// subscription and may join any number of project rooms.
type Gateway struct {
	bus    *Bus
	logger *slog.Logger
}

// NewGateway returns a websocket handler backed by bus.
func NewGateway(bus *Bus, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{bus: bus, logger: logger.With("component", "ws")}
}

// ServeHTTP upgrades the connection. A projectId query parameter joins that room immediately.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn:    conn,
		sub:     g.bus.NewSubscription(),
		control: make(chan wsOutgoing, 16),
		done:    make(chan struct{}),
		logger:  g.logger,
	}
	if p := strings.TrimSpace(r.URL.Query().Get("projectId")); p != "" {
		c.sub.Join(p)
		c.control <- wsOutgoing{Type: "joined", ProjectID: p}
	}

	go c.writePump()
	c.readPump()
}

type client struct {
	conn    *websocket.Conn
	sub     *Subscription
	control chan wsOutgoing
	done    chan struct{}
	logger  *slog.Logger
}

// readPump processes client messages until disconnect.
func (c *client) readPump() {
	defer func() {
		close(c.done)
		c.sub.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
			) {
				c.logger.Warn("Websocket read error", "error", err)
			}
			return
		}
		c.handle(raw)
	}
}

// handle processes a single incoming WebSocket message.
func (c *client) handle(raw []byte) {
	var msg wsIncoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.send(wsOutgoing{Type: "error", Message: "invalid JSON: " + err.Error()})
		return
	}

	switch msg.Type {
	case "join-project":
		if msg.ProjectID == "" {
			c.send(wsOutgoing{Type: "error", Message: "projectId is required for join-project"})
			return
		}
		c.sub.Join(msg.ProjectID)
		c.send(wsOutgoing{Type: "joined", ProjectID: msg.ProjectID})

	case "leave-project":
		if msg.ProjectID == "" {
			c.send(wsOutgoing{Type: "error", Message: "projectId is required for leave-project"})
			return
		}
		c.sub.Leave(msg.ProjectID)
		c.send(wsOutgoing{Type: "left", ProjectID: msg.ProjectID})

	case "ping":
		c.send(wsOutgoing{Type: "pong"})

	default:
		c.send(wsOutgoing{Type: "error", Message: "unknown message type: " + msg.Type})
	}
}

func (c *client) send(out wsOutgoing) {
	select {
	case c.control <- out:
	case <-c.done:
	}
}

// writePump is the connection's only writer.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	events := c.sub.Events()
	for {
		select {
		case out := <-c.control:
			if err := c.writeJSON(out); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.writeJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("Websocket marshal error", "error", err)
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
