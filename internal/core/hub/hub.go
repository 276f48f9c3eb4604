// Package hub tracks live agent connections, one per device.
package hub

import (
	"sync"

	"github.com/rs/zerolog"
)

// Conn is the socket surface the hub needs. *websocket.Conn satisfies it.
type Conn interface {
	WriteJSON(v any) error
	Close() error
}

type connection struct {
	deviceID string
	hostID   string
	sock     Conn
}

// Hub is the single shared mutable structure in the process. Every
// read-modify-write on the map happens under the mutex; writes to a socket
// also happen under it so Send never races the connect-time ack.
type Hub struct {
	mu    sync.Mutex
	conns map[string]*connection
	lg    zerolog.Logger
}

func New(lg zerolog.Logger) *Hub {
	return &Hub{
		conns: make(map[string]*connection),
		lg:    lg.With().Str("component", "hub").Logger(),
	}
}

// Register installs sock as the device's live connection and returns the
// superseded socket, if any. The caller owns closing it; a reconnecting
// agent implicitly replaces its stale predecessor.
func (h *Hub) Register(deviceID, hostID string, sock Conn) Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	var prev Conn
	if old, ok := h.conns[deviceID]; ok {
		prev = old.sock
		h.lg.Warn().Str("device_id", deviceID).Msg("superseding existing connection")
	}
	h.conns[deviceID] = &connection{deviceID: deviceID, hostID: hostID, sock: sock}
	return prev
}

// Unregister removes the device's entry only if it still refers to sock.
// Returns whether the entry was removed, so a superseded socket's close
// callback cannot clobber a newer connection's presence.
func (h *Hub) Unregister(deviceID string, sock Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	cur, ok := h.conns[deviceID]
	if !ok || cur.sock != sock {
		return false
	}
	delete(h.conns, deviceID)
	return true
}

func (h *Hub) IsConnected(deviceID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[deviceID]
	return ok
}

// Send delivers a message to a device's live connection. False means no
// connection or a failed write.
func (h *Hub) Send(deviceID string, msg any) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.conns[deviceID]
	if !ok {
		return false
	}
	if err := c.sock.WriteJSON(msg); err != nil {
		h.lg.Error().Err(err).Str("device_id", deviceID).Msg("send failed")
		return false
	}
	return true
}

// Count reports how many agents are connected.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
