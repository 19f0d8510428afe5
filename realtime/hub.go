package realtime

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskroom/domain"
)

// sendBufferSize bounds each connection's outbound queue. A full queue means
// the client is too slow; events for it are dropped, never queued unboundedly
// and never allowed to stall other recipients.
const sendBufferSize = 64

// connection is one live websocket session. Its send channel is drained by a
// single writer goroutine, which is what makes per-connection delivery order
// match publish order.
type connection struct {
	id     string
	userID string
	send   chan []byte
}

// Hub owns the connection set and fans broadcast envelopes out to room
// members. Room membership itself lives in the Registry the hub holds.
type Hub struct {
	mu       sync.RWMutex
	conns    map[string]*connection
	registry *Registry
	logger   *log.Logger
}

// NewHub creates a hub with an empty registry.
func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		conns:    make(map[string]*connection),
		registry: NewRegistry(),
		logger:   logger,
	}
}

// Registry exposes the hub's room registry to the connection lifecycle
// handler. Nothing else should mutate it.
func (h *Hub) Registry() *Registry {
	return h.registry
}

func (h *Hub) add(userID string) *connection {
	conn := &connection{
		id:     uuid.NewString(),
		userID: userID,
		send:   make(chan []byte, sendBufferSize),
	}
	h.mu.Lock()
	h.conns[conn.id] = conn
	total := len(h.conns)
	h.mu.Unlock()
	h.logger.WithFields(log.Fields{
		"connection_id": conn.id,
		"user_id":       userID,
		"total":         total,
	}).Info("connection opened")
	return conn
}

func (h *Hub) remove(connID string) {
	h.mu.Lock()
	conn, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	total := len(h.conns)
	h.mu.Unlock()
	if !ok {
		return
	}
	h.registry.RemoveConnection(connID)
	close(conn.send)
	h.logger.WithFields(log.Fields{
		"connection_id": connID,
		"total":         total,
	}).Info("connection closed")
}

// Publish delivers the envelope to every member of its room except the
// origin connection. Delivery is fire-and-forget: a slow member has the
// event dropped and logged, other members are unaffected, and the caller
// never sees an error.
func (h *Hub) Publish(env domain.Envelope) {
	data, err := json.Marshal(eventFrame(env))
	if err != nil {
		h.logger.Errorf("marshal frame: %v", err)
		return
	}

	members := h.registry.Members(env.RoomID)
	var delivered, dropped int
	h.mu.RLock()
	for _, connID := range members {
		if env.Origin != "" && connID == env.Origin {
			continue
		}
		conn, ok := h.conns[connID]
		if !ok {
			continue
		}
		select {
		case conn.send <- data:
			delivered++
		default:
			dropped++
			h.logger.WithFields(log.Fields{
				"connection_id": connID,
				"kind":          env.Kind,
			}).Warn("dropped event for slow connection")
		}
	}
	h.mu.RUnlock()

	h.logger.WithFields(log.Fields{
		"kind":      env.Kind,
		"room":      env.RoomID,
		"entity":    env.EntityID(),
		"delivered": delivered,
		"dropped":   dropped,
	}).Debug("event broadcast")
}
