// Package stream is the WebSocket fan-out for /ws endpoint,
// pushing matching/lifecycle/swap lifecycle events to subscribed clients.
// A hub/client pair (Hub/Client below) generalized from a fixed two-event-type
// shape to an open EventType space (order/trade/market/swap events) carrying
// their originating ID as the subscription topic.
package stream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omenbackend/omen-market-backend/pkg/logging"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventType names a class of pushed event.
type EventType string

// Event is a single message pushed to subscribed clients.
type Event struct {
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"` // e.g. a trading pair ID, market ID, or user ID
	Data      any       `json:"data"`
	Timestamp int64     `json:"timestamp"`
}

type subscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Topics []string `json:"topics"`
}

// Client is one connected WebSocket session.
type Client struct {
	conn   *websocket.Conn
	send   chan []byte
	topics map[string]bool
	mu     sync.RWMutex
	hub    *Hub
}

// Hub fans Event values out to every Client subscribed to their topic.
// An empty topic subscription set receives every event, a "no filter
// means everything" default.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	log        *logging.Logger
	mu         sync.RWMutex
}

// NewHub creates a Hub; call Run in its own goroutine before serving /ws.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        logging.GetDefault().Component("stream"),
	}
}

// Run is the hub's event loop; it never returns until ctx-free shutdown
// (the server process exiting) and is meant to run in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.log.Debug("stream: client connected", "clients", len(h.clients))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.log.Debug("stream: client disconnected", "clients", len(h.clients))

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				h.log.Error("stream: marshal event failed", "error", err)
				continue
			}
			h.deliver(event, data)
		}
	}
}

func (h *Hub) deliver(event *Event, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.mu.RLock()
		subscribed := len(c.topics) == 0 || c.topics[event.Topic]
		c.mu.RUnlock()
		if !subscribed {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.log.Warn("stream: client buffer full, dropping", "topic", event.Topic)
		}
	}
}

// Broadcast pushes an event of the given type/topic to every subscribed
// client. Non-blocking: a full broadcast buffer drops the event rather
// than stalling the caller (matching/lifecycle/swap event emitters run
// synchronously with their own processing).
func (h *Hub) Broadcast(eventType EventType, topic string, data any) {
	event := &Event{Type: eventType, Topic: topic, Data: data, Timestamp: time.Now().Unix()}
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("stream: broadcast channel full, dropping event", "type", eventType)
	}
}

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and spawns its read/write pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("stream: upgrade failed", "error", err)
		return
	}

	c := &Client{conn: conn, send: make(chan []byte, 256), topics: make(map[string]bool), hub: h}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("stream: read error", "error", err)
			}
			break
		}
		var sub subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.applySubscription(&sub)
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
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

func (c *Client) applySubscription(sub *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, topic := range sub.Topics {
		switch sub.Action {
		case "subscribe":
			c.topics[topic] = true
		case "unsubscribe":
			delete(c.topics, topic)
		}
	}
}
