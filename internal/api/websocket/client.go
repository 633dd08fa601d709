package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sahyog/sahyog-backend/internal/dispatch"
	"github.com/sahyog/sahyog-backend/internal/models"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer; commands are small
	maxMessageSize = 4 * 1024
)

// Client represents a WebSocket client
type Client struct {
	// The websocket connection
	conn *websocket.Conn

	// Buffered channel of control messages (welcome, ack, error); never closed
	send chan []byte

	// Bounded queue of dispatched events
	outbox *dispatch.Outbox

	// Hub reference
	hub *Hub

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc

	// Connection id assigned at connect time
	id string

	log *zap.Logger
}

// NewClient creates a new WebSocket client
func NewClient(ctx context.Context, hub *Hub, conn *websocket.Conn, id string) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	return &Client{
		conn:   conn,
		send:   make(chan []byte, 32),
		outbox: dispatch.NewOutbox(hub.queueDepth),
		hub:    hub,
		ctx:    clientCtx,
		cancel: cancel,
		id:     id,
		log:    hub.log.With(zap.String("connection_id", id)),
	}
}

// ReadPump reads subscription commands until the connection fails.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.ctx.Done():
		}
		c.cancel()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		c.handleMessage(message)
	}
}

// WritePump writes control messages, queued events and pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			// Hub dropped the client or the server is shutting down
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-c.send:
			if err := c.write(message); err != nil {
				return
			}

		case <-c.outbox.Ready():
			for _, item := range c.outbox.Drain() {
				if err := c.write(encodeItem(item)); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, message)
}

func encodeItem(item dispatch.Item) []byte {
	msg := models.WebSocketMessage{Type: "event", Event: item.Event, Timestamp: time.Now().UTC()}
	if item.Resync {
		msg = models.WebSocketMessage{Type: "resync", FromSequence: item.FromSequence, Timestamp: time.Now().UTC()}
	} else {
		msg.Topic = item.Event.Topic
	}
	data, _ := json.Marshal(msg)
	return data
}

// Close closes the client connection
func (c *Client) Close() {
	c.cancel()
}

// reply queues a control message without blocking; a client that does not
// drain its control channel loses replies, never events.
func (c *Client) reply(msg models.WebSocketMessage) {
	msg.Timestamp = time.Now().UTC()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Debug("Dropping control message for slow client", zap.String("type", msg.Type))
	}
}

// handleMessage applies a subscribe or unsubscribe command.
func (c *Client) handleMessage(message []byte) {
	var cmd models.ClientCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		c.reply(models.WebSocketMessage{Type: "error", Error: "malformed command"})
		return
	}
	switch cmd.Action {
	case "subscribe":
		c.subscribe(cmd.Topic)
	case "unsubscribe":
		c.hub.registry.Unsubscribe(c.id, cmd.Topic)
		c.reply(models.WebSocketMessage{Type: "ack", Topic: cmd.Topic})
	default:
		c.reply(models.WebSocketMessage{Type: "error", Error: "unknown action " + cmd.Action})
	}
}

func (c *Client) subscribe(topic string) {
	if _, err := c.hub.registry.Subscribe(c.id, topic); err != nil {
		c.reply(models.WebSocketMessage{Type: "error", Topic: topic, Error: err.Error()})
		return
	}
	c.reply(models.WebSocketMessage{Type: "ack", Topic: topic})
}
