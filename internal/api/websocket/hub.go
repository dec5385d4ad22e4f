package websocket

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/david-t-martel/serial-mcp-server/internal/service"
)

// Hub fans port lifecycle events out to the connected WebSocket
// clients. The port service is the only producer, so a locked
// subscriber set is enough; there is no broker goroutine.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		logger:  logger,
	}
}

// BindService wires the port service event sink into the hub, so
// every lifecycle change fans out to the connected clients.
func (h *Hub) BindService(svc *service.PortService) {
	svc.SetEventSink(func(ev service.Event) {
		detail := map[string]interface{}{}
		for k, v := range ev.Detail {
			detail[k] = v
		}
		h.Publish(NewPortEventMessage(MessageType(ev.Type), ev.PortName, detail))
	})
}

// Publish marshals the event once and enqueues it on every client.
// A client whose queue is full is dropped on the spot: a stalled
// reader must never back-pressure the port service.
func (h *Hub) Publish(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal event", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var stalled []*Client
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		delete(h.clients, c)
		close(c.send)
		h.logger.Warn("dropping stalled client",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.String("message_type", string(msg.Type)))
	}
}

// attach registers a freshly upgraded connection.
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client attached",
		zap.String("remote_addr", c.conn.RemoteAddr().String()),
		zap.Int("total_clients", total))
}

// detach removes a client; the send queue is closed exactly once,
// whether the reader noticed the disconnect or Publish evicted it
// first.
func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, present := h.clients[c]
	if present {
		delete(h.clients, c)
		close(c.send)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if present {
		h.logger.Info("websocket client detached",
			zap.String("remote_addr", c.conn.RemoteAddr().String()),
			zap.Int("total_clients", total))
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
