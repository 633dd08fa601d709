package websocket

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/models"
)

// Handler handles WebSocket connections
type Handler struct {
	hub      *Hub
	ctx      context.Context
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. allowedOrigins follows the
// CORS setting; "*" accepts any origin.
func NewHandler(ctx context.Context, hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		return false
	}
}

// ServeWS upgrades the request, assigns a connection id and subscribes the
// connection to any ?topic= values given on the URL.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.hub.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	client := NewClient(h.ctx, h.hub, conn, clientID)

	// Register client
	select {
	case h.hub.register <- client:
	case <-h.hub.ctx.Done():
		conn.Close()
		return
	}
	client.reply(models.WebSocketMessage{Type: "welcome", ConnectionID: clientID})
	for _, topic := range r.URL.Query()["topic"] {
		client.subscribe(topic)
	}

	// Start client goroutines
	go client.WritePump()
	go client.ReadPump()

	h.hub.log.Info("WebSocket client connected", zap.String("connection_id", clientID))
}
