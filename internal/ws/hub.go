package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Capstone-E1/aquasmart_edge/internal/control"
	"github.com/Capstone-E1/aquasmart_edge/internal/models"
)

// Message types pushed to dashboards
const (
	TypeConnected = "connected"
	TypeReading   = "sensor_reading"
	TypeCycle     = "control_cycle"
	TypeCommand   = "actuator_command"
	TypeAlert     = "alert"
	TypeError     = "error"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Client represents a WebSocket client connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel models.Channel // Optional: only readings of this channel are sent
}

// Hub maintains active WebSocket connections and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan envelope
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	count      atomic.Int64
	logger     zerolog.Logger
}

// Message represents a WebSocket message structure
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

type envelope struct {
	data    []byte
	channel models.Channel
}

// WebSocket upgrader configuration
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Dashboards are served from the farm LAN
		return true
	},
}

// NewHub creates a new WebSocket hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan envelope, sendBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With().Str("component", "ws").Logger(),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			h.count.Store(int64(len(h.clients)))
			h.logger.Info().Int("clients", len(h.clients)).Msg("client connected")

			if data, err := json.Marshal(Message{Type: TypeConnected, Timestamp: time.Now(), Data: map[string]string{"status": "connected"}}); err == nil {
				h.deliver(client, data)
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				h.logger.Info().Int("clients", len(h.clients)).Msg("client disconnected")
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				if msg.channel != "" && client.channel != "" && client.channel != msg.channel {
					continue
				}
				h.deliver(client, msg.data)
			}

		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return nil
		}
	}
}

// deliver queues data for a client and drops clients that cannot keep up
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		h.drop(client)
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.count.Store(int64(len(h.clients)))
}

// Broadcast sends a typed message to all connected clients. It never blocks.
func (h *Hub) Broadcast(msgType string, data any) {
	h.publish(msgType, "", data)
}

func (h *Hub) publish(msgType string, channel models.Channel, data any) {
	payload, err := json.Marshal(Message{Type: msgType, Timestamp: time.Now(), Data: data})
	if err != nil {
		h.logger.Error().Err(err).Str("type", msgType).Msg("failed to marshal message")
		return
	}

	select {
	case h.broadcast <- envelope{data: payload, channel: channel}:
	default:
		h.logger.Warn().Str("type", msgType).Msg("broadcast channel is full, dropping message")
	}
}

// BroadcastReading broadcasts a new sensor reading
func (h *Hub) BroadcastReading(r models.Reading) {
	h.publish(TypeReading, r.Channel, r)
}

// BroadcastCycle broadcasts the outcome of a control cycle
func (h *Hub) BroadcastCycle(report control.CycleReport) {
	h.Broadcast(TypeCycle, report)
}

// BroadcastCommand broadcasts an issued actuator command
func (h *Hub) BroadcastCommand(cmd models.ActuatorCommand) {
	h.Broadcast(TypeCommand, cmd)
}

// BroadcastAlert broadcasts an alert event
func (h *Hub) BroadcastAlert(ev models.AlertEvent) {
	h.Broadcast(TypeAlert, ev)
}

// BroadcastError broadcasts error messages to all clients
func (h *Hub) BroadcastError(errorMsg string) {
	h.Broadcast(TypeError, map[string]string{"error": errorMsg})
}

// GetConnectedClientsCount returns the number of connected clients
func (h *Hub) GetConnectedClientsCount() int {
	return int(h.count.Load())
}

// HandleWebSocket handles WebSocket connection requests
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var channel models.Channel
	if raw := r.URL.Query().Get("channel"); raw != "" {
		c, err := models.ParseChannel(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		channel = c
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		channel: channel,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	// Start goroutines for handling the client
	go client.writePump()
	go client.readPump()
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
	}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to current message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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
