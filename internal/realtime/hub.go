// Package realtime is the WebSocket push channel: clients subscribe to event
// classes (metrics, recordings, scaling alerts) and receive fan-out from the
// event bus.
package realtime

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aura-conference/orchestrator/internal/events"
)

const (
	// PingInterval and PongWait are used for heartbeat (seconds).
	PingInterval = 30
	PongWait     = 60
)

// Hub maintains connected clients and their class subscriptions, and bridges
// the in-process event bus onto their send channels.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
	cancels []func()
}

// NewHub creates a hub and wires it to the event bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger,
	}
	for _, class := range []events.Class{events.ClassMetrics, events.ClassRecordings, events.ClassScaling} {
		class := class
		cancel := bus.Subscribe(class, func(ev events.Event) error {
			h.broadcast(class, ev)
			return nil
		})
		h.cancels = append(h.cancels, cancel)
	}
	return h
}

// Close detaches the hub from the event bus.
func (h *Hub) Close() {
	for _, cancel := range h.cancels {
		cancel()
	}
}

// Register adds a connected client.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.logger.Debug("push client connected", zap.String("client_id", c.ID))
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	h.logger.Debug("push client disconnected", zap.String("client_id", c.ID))
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast sends an event to every client subscribed to its class. Sends
// never block; a client with a full buffer misses the event.
func (h *Hub) broadcast(class events.Class, ev events.Event) {
	msg := WSMessage{Event: ev.Type, Data: ev.Data}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.subscribed(class) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			// buffer full, skip
		}
	}
}
