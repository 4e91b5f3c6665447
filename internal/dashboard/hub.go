// Package dashboard implements the embedded web dashboard: a concrete
// Subscriber (SPEC_FULL §4) that fans every RequestRecord out to
// connected browser clients over a websocket, plus a small REST surface
// for the CA certificate and recent records.
package dashboard

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/roo-sniffer/roo-sniffer/pkg/types"
)

// Hub manages websocket connections and broadcasts records to all
// clients. It also keeps a small ring buffer of recent records so a
// freshly connected browser can backfill its view.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	cacheMu      sync.RWMutex
	cache        []types.RequestRecord
	maxCacheSize int
}

// Client represents a websocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates a Hub. Call Run in its own goroutine before use.
func NewHub() *Hub {
	return &Hub{
		clients:      make(map[*Client]bool),
		broadcast:    make(chan []byte, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		maxCacheSize: 1000,
	}
}

// Run processes register/unregister/broadcast events until the process
// exits. It never blocks the caller of Notify.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// this client's own send buffer is full; drop for it
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Notify implements types.Subscriber: it caches the record and, if the
// hub's own broadcast channel isn't full, queues it for every connected
// client.
func (h *Hub) Notify(record *types.RequestRecord) {
	snapshot := record.Snapshot()
	h.addToCache(snapshot)

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

func (h *Hub) addToCache(rec types.RequestRecord) {
	h.cacheMu.Lock()
	defer h.cacheMu.Unlock()
	h.cache = append(h.cache, rec)
	if len(h.cache) > h.maxCacheSize {
		h.cache = h.cache[1:]
	}
}

// RecentRecords returns up to limit of the most recently notified
// records, oldest first.
func (h *Hub) RecentRecords(limit int) []types.RequestRecord {
	h.cacheMu.RLock()
	defer h.cacheMu.RUnlock()

	if limit <= 0 || limit > len(h.cache) {
		limit = len(h.cache)
	}
	start := len(h.cache) - limit
	out := make([]types.RequestRecord, limit)
	copy(out, h.cache[start:])
	return out
}

// ClientCount returns the number of connected websocket clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a websocket client bound to hub.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{hub: hub, conn: conn, send: make(chan []byte, 256)}
}

// WritePump pumps messages from the hub to the websocket connection. Run
// it in its own goroutine.
func (c *Client) WritePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// ReadPump drains and discards client messages, existing solely to
// detect connection close. Run it on the calling goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}
