package ws

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lefinal/uptime-server/errors"
	"go.uber.org/zap"
)

const (
	// writeTimeout is the timeout for writing a message to the peer.
	writeTimeout = 10 * time.Second
	// pongTimeout is the timeout for waiting for the next pong message from the
	// peer. Must be greater than pingInterval.
	pongTimeout = 60 * time.Second
	// pingInterval is the interval in which pings are sent to the peer. Must be
	// less than pongTimeout.
	pingInterval = (pongTimeout * 9) / 10
	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 1024
)

// Client holds the websocket connection of one dashboard client. The stream
// is one-way, inbound messages are discarded.
type Client struct {
	id         uuid.UUID
	logger     *zap.Logger
	hub        *Hub
	connection *websocket.Conn
	// send receives messages to forward to the peer.
	send chan []byte
}

// HandleWS handles websocket upgrade requests and attaches the new client to
// the given Hub.
func HandleWS(logger *zap.Logger, hub *Hub) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			errors.Log(logger, errors.NewCommunicationErrorFromErr(err, "upgrade connection", nil))
			return
		}
		c := &Client{
			id:         uuid.New(),
			logger:     logger,
			hub:        hub,
			connection: conn,
			send:       make(chan []byte, 64),
		}
		c.hub.register <- c
		// Power the pumps.
		go c.writePump()
		go c.readPump()
	}
}

// readPump discards inbound messages and unregisters the client when the
// connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.connection.Close()
	}()
	c.connection.SetReadLimit(maxMessageSize)
	_ = c.connection.SetReadDeadline(time.Now().Add(pongTimeout))
	c.connection.SetPongHandler(func(string) error {
		_ = c.connection.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		_, _, err := c.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards outgoing messages from the hub to the websocket
// connection. The hub closes the send-channel which leads to termination.
func (c *Client) writePump() {
	pingTicker := time.NewTicker(pingInterval)
	defer func() {
		pingTicker.Stop()
		_ = c.connection.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Connection close requested from hub.
				_ = c.connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			err := c.connection.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				c.logger.Debug("write text message", zap.Error(err))
				return
			}
		case <-pingTicker.C:
			_ = c.connection.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("write ping", zap.Error(err))
				return
			}
		}
	}
}
