package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dres-dev/DRES-sub000/internal/logger"
	"github.com/dres-dev/DRES-sub000/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// viewer stations and client tools connect cross-origin
		return true
	},
}

// MessageRouter handles inbound protocol messages and disconnects.
// The run registry implements it.
type MessageRouter interface {
	Route(clientID string, msg models.ClientMessage) error
	Disconnect(clientID, runID string)
}

// Hub maintains the set of active clients and fans outbound messages
// out to them, scoped to everyone, one run, or one run's team.
type Hub struct {
	log        logger.Logger
	router     MessageRouter
	register   chan *Client
	unregister chan *Client
	broadcast  chan scopedMessage

	mutex   sync.RWMutex
	clients map[string]*Client // client id -> client
}

type scopedMessage struct {
	msg    models.ServerMessage
	runID  string // empty matches every client
	teamID string // empty matches every team
}

// Client is a middleman between one websocket connection and the hub
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan models.ServerMessage
	ID     string
	RunID  string
	TeamID string
}

// New creates a new Hub instance with injected dependencies
func New(log logger.Logger) *Hub {
	return &Hub{
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan scopedMessage),
		clients:    make(map[string]*Client),
	}
}

// SetRouter wires the inbound message router; must be called before Start
func (h *Hub) SetRouter(router MessageRouter) {
	h.router = router
}

// Start begins the hub's main loop in a goroutine
func (h *Hub) Start() {
	go h.run()
}

// run handles client registration/unregistration and message fan-out
func (h *Hub) run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client.ID] = client
			total := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("Client connected", "client", client.ID, "run", client.RunID, "total_clients", total)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			total := len(h.clients)
			h.mutex.Unlock()
			h.log.Debug("Client disconnected", "client", client.ID, "total_clients", total)
			if h.router != nil {
				h.router.Disconnect(client.ID, client.RunID)
			}

		case scoped := <-h.broadcast:
			h.mutex.RLock()
			for _, client := range h.clients {
				if scoped.runID != "" && client.RunID != scoped.runID {
					continue
				}
				if scoped.teamID != "" && client.TeamID != scoped.teamID {
					continue
				}
				select {
				case client.send <- scoped.msg:
				default:
					// Client's send channel is full, unregister
					go func(c *Client) {
						h.unregister <- c
					}(client)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// BroadcastAll sends a message to every connected client
func (h *Hub) BroadcastAll(msg models.ServerMessage) {
	h.broadcast <- scopedMessage{msg: msg}
}

// BroadcastRun sends a message to every client observing one run
func (h *Hub) BroadcastRun(runID string, msg models.ServerMessage) {
	h.broadcast <- scopedMessage{msg: msg, runID: runID}
}

// BroadcastTeam sends a message to clients observing one run and
// belonging to one team
func (h *Hub) BroadcastTeam(runID, teamID string, msg models.ServerMessage) {
	h.broadcast <- scopedMessage{msg: msg, runID: runID, teamID: teamID}
}

// Send delivers a message to a single client
func (h *Hub) Send(clientID string, msg models.ServerMessage) {
	h.mutex.RLock()
	client, ok := h.clients[clientID]
	h.mutex.RUnlock()
	if !ok {
		return
	}
	select {
	case client.send <- msg:
	default:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// readPump pumps messages from the websocket connection to the router
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("WebSocket error", "error", err)
			}
			break
		}

		var msg models.ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.hub.log.Debug("Unparseable client message", "client", c.ID, "error", err)
			continue
		}
		if msg.RunID == "" {
			msg.RunID = c.RunID
		}
		if c.hub.router != nil {
			if err := c.hub.router.Route(c.ID, msg); err != nil {
				c.hub.log.Debug("Client message not routable", "client", c.ID, "type", msg.Type, "error", err)
			}
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			msgBytes, _ := json.Marshal(message)
			w.Write(msgBytes)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles websocket requests from clients. The observed run
// and team come from query parameters; registration with the run's
// readiness gate still happens through an explicit REGISTER message.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("WebSocket upgrade error", "error", err)
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan models.ServerMessage, 256),
		ID:     uuid.NewString(),
		RunID:  r.URL.Query().Get("run"),
		TeamID: r.URL.Query().Get("team"),
	}
	h.register <- client

	// Allow collection of memory referenced by the caller by doing all work in new goroutines
	go client.writePump()
	go client.readPump()
}
