package api

import (
	"context"
	"sync"

	"trading_arena/internal/core"
)

// Client is one WebSocket subscriber. Sends are non-blocking; a full buffer
// marks the client as slow and it gets dropped by the hub.
type Client struct {
	id     string
	send   chan Message
	mu     sync.Mutex
	closed bool
}

// NewClient creates a client with a buffered send queue.
func NewClient(id string) *Client {
	return &Client{
		id:   id,
		send: make(chan Message, 256),
	}
}

// Send queues a message without blocking. It reports false when the client
// is closed or its buffer is full.
func (c *Client) Send(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// SendChan exposes the queue to the write pump.
func (c *Client) SendChan() <-chan Message {
	return c.send
}

// Close shuts the send queue exactly once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// Hub fans broadcast messages out to every connected client.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	log        core.Logger
}

// NewHub creates a hub; Run must be started for it to make progress.
func NewHub(log core.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		log:        log.WithField("component", "hub"),
	}
}

// Run drives registration and broadcasting until ctx is canceled, then
// closes every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client registered", "client_id", client.id, "total_clients", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("client unregistered", "client_id", client.id, "total_clients", total)

		case msg := <-h.broadcast:
			h.mu.RLock()
			clientList := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clientList = append(clientList, client)
			}
			h.mu.RUnlock()

			for _, client := range clientList {
				if !client.Send(msg) {
					// Slow consumer; drop it rather than stall the feed.
					select {
					case h.unregister <- client:
					default:
					}
				}
			}
		}
	}
}

// Register hands a client to the hub loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub loop.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast queues a message for every client, dropping it if the hub is
// backed up.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn("broadcast channel full, dropping message", "type", msg.Type)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
