package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/dispatch"
	"github.com/sahyog/sahyog-backend/internal/pkg/metrics"
	"github.com/sahyog/sahyog-backend/internal/rooms"
)

// Hub maintains active WebSocket connections. The dispatcher reaches a
// connection's outbox through it; membership lives in the room registry.
type Hub struct {
	// Registered clients by connection id
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	registry   *rooms.Registry
	queueDepth int
	log        *zap.Logger

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new WebSocket hub. queueDepth bounds each connection's
// outbound event queue.
func NewHub(ctx context.Context, registry *rooms.Registry, queueDepth int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	hubCtx, cancel := context.WithCancel(ctx)
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[string]*Client),
		registry:   registry,
		queueDepth: queueDepth,
		log:        log,
		ctx:        hubCtx,
		cancel:     cancel,
	}
}

// Run starts the hub
func (h *Hub) Run() {
	for {
		select {
		case <-h.ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.id] = client
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnectionsActive.Set(float64(n))

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	current, ok := h.clients[client.id]
	if ok && current == client {
		delete(h.clients, client.id)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if !ok || current != client {
		return
	}
	client.cancel()
	client.outbox.Close()
	dropped := h.registry.DropConnection(client.id)
	metrics.WebSocketConnectionsActive.Set(float64(n))
	h.log.Info("WebSocket client disconnected", zap.String("connection_id", client.id), zap.Int("subscriptions", dropped))
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
	h.mu.Lock()
	defer h.mu.Unlock()

	// Close all client connections
	for id, client := range h.clients {
		client.cancel()
		client.outbox.Close()
		h.registry.DropConnection(id)
		delete(h.clients, id)
	}
	metrics.WebSocketConnectionsActive.Set(0)
}

// Outbox returns the outbound queue of a live connection, or nil.
func (h *Hub) Outbox(connID string) *dispatch.Outbox {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[connID]; ok {
		return c.outbox
	}
	return nil
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
