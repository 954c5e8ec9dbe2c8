// Package ws streams live device status events to connected dashboard
// clients via websocket.
package ws

import (
	"context"
	"encoding/json"

	"github.com/lefinal/uptime-server/errors"
	"go.uber.org/zap"
)

// Hub holds all active clients and fans broadcast messages out to them.
type Hub struct {
	logger *zap.Logger
	// clients holds all connected clients.
	clients map[*Client]struct{}
	// register receives when a Client wants to register itself.
	register chan *Client
	// unregister receives when a Client wants to unregister itself.
	unregister chan *Client
	// broadcast receives messages that are sent to every connected client.
	broadcast chan []byte
}

// NewHub creates a new Hub. Start it with Hub.Run.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
	}
}

// Run the Hub until the given context.Context is done. It blocks so you need
// to start a goroutine.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.logger.Debug("client connected", zap.String("client_id", c.id.String()))
		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				h.logger.Debug("client disconnected", zap.String("client_id", c.id.String()))
				// Close the send-channel which leads to stopping the write-pump.
				close(c.send)
			}
		case message := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					// Slow client, drop the message instead of blocking the hub.
				}
			}
		}
	}
}

// Broadcast queues the given message for delivery to every connected client.
// It never blocks.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("dropping broadcast message due to full queue")
	}
}

// frame is the envelope for messages delivered to dashboard clients.
type frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Publish wraps the payload for the given event kind into a frame and
// broadcasts it to all connected clients.
func (h *Hub) Publish(_ context.Context, event string, payload []byte) {
	message, err := json.Marshal(frame{
		Event:   event,
		Payload: payload,
	})
	if err != nil {
		errors.Log(h.logger, errors.NewInternalErrorFromErr(err, "marshal frame", errors.Details{"event": event}))
		return
	}
	h.Broadcast(message)
}
