package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Budget for a single frame write, pings included
	writeTimeout = 10 * time.Second

	// Keepalive ping cadence; a dead peer surfaces as a write error
	pingInterval = 30 * time.Second

	// Inbound frames are discarded, so a small cap suffices
	readLimit = 4096

	// Per-client event queue; Publish drops the client when it fills
	sendQueueSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Local single-host facade; caller auth is out of scope
		return true
	},
}

// Client is one subscriber connection. The hub enqueues marshalled
// events on send; writeLoop is the only goroutine touching the
// connection's write side.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger
}

// readLoop exists only to notice the peer going away; the facade is
// broadcast-only and inbound payloads are discarded.
func (c *Client) readLoop() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
			}
			return
		}
	}
}

// writeLoop drains the event queue and keeps the connection alive
// with pings. It exits when the hub closes the queue or a write
// fails.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Hub evicted this client or is shutting down
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write failed",
					zap.Error(err),
					zap.String("remote_addr", c.conn.RemoteAddr().String()))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and subscribes the connection to the
// hub's event stream.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("websocket upgrade failed",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		logger: hub.logger,
	}
	hub.attach(c)

	go c.writeLoop()
	go c.readLoop()
}
