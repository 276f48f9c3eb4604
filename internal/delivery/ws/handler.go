// Agent transport endpoint: authenticated WebSocket at /agent.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"windash/internal/core/device"
	"windash/internal/core/hub"
	"windash/internal/core/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	bearerPrefix = "Bearer "
	maxFrameSize = 1 << 20
	writeWait    = 10 * time.Second
)

// Publisher fans ingested batches out to downstream consumers. May be nil
// when no broker is configured; publishing is best-effort either way.
type Publisher interface {
	PublishSamples(deviceID string, samples []metrics.AgentSample) error
}

type frame struct {
	Type    string                `json:"type"`
	Samples []metrics.AgentSample `json:"samples"`
}

type connectedAck struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
}

type Handler struct {
	hub          *hub.Hub
	reg          *device.Registry
	pipe         *metrics.Pipeline
	pub          Publisher
	storeTimeout time.Duration
	upgrader     websocket.Upgrader
	lg           zerolog.Logger
}

func NewHandler(h *hub.Hub, reg *device.Registry, pipe *metrics.Pipeline, pub Publisher, storeTimeout time.Duration, lg zerolog.Logger) *Handler {
	return &Handler{
		hub:          h,
		reg:          reg,
		pipe:         pipe,
		pub:          pub,
		storeTimeout: storeTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents are headless clients, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		lg: lg.With().Str("component", "agent-ws").Logger(),
	}
}

// ServeHTTP upgrades first and authenticates after, so a rejection reaches
// the agent as a proper close frame with a policy-violation code instead
// of a failed handshake it cannot distinguish from a network error.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.lg.Error().Err(err).Str("remote_addr", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	hostID := r.URL.Query().Get("hostId")
	if hostID == "" {
		h.closePolicy(conn, "missing hostId")
		return
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, bearerPrefix) {
		h.closePolicy(conn, "invalid authorization")
		return
	}
	token := strings.TrimPrefix(auth, bearerPrefix)

	// The request context dies with the hijacked HTTP request, so store
	// calls on this connection run on their own bounded contexts.
	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	dev, err := h.reg.ValidateToken(ctx, token)
	cancel()
	if errors.Is(err, device.ErrNotFound) {
		h.closePolicy(conn, "invalid token")
		return
	}
	if err != nil {
		h.lg.Error().Err(err).Msg("token validation")
		h.closeInternal(conn)
		return
	}

	if prev := h.hub.Register(dev.ID, hostID, conn); prev != nil {
		h.closeSock(prev, websocket.ClosePolicyViolation, "superseded by new connection")
	}
	if err := h.setOnline(dev.ID, true); err != nil {
		h.lg.Error().Err(err).Str("device_id", dev.ID).Msg("set online")
	}

	h.lg.Info().Str("device_id", dev.ID).Str("name", dev.Name).Str("host_id", hostID).Msg("device connected")

	// Sent through the hub so the ack and any later Send to this device
	// share one write path.
	if !h.hub.Send(dev.ID, connectedAck{Type: "connected", DeviceID: dev.ID}) {
		h.lg.Error().Str("device_id", dev.ID).Msg("ack write failed")
	}

	h.readLoop(conn, dev)
}

// readLoop pumps frames until the socket dies, then cleans up. The offline
// flip is gated on the compare-and-delete so a superseded socket's exit
// never marks a freshly reconnected device offline.
func (h *Handler) readLoop(conn *websocket.Conn, dev *device.Device) {
	defer func() {
		if h.hub.Unregister(dev.ID, conn) {
			if err := h.setOnline(dev.ID, false); err != nil && !errors.Is(err, device.ErrNotFound) {
				h.lg.Error().Err(err).Str("device_id", dev.ID).Msg("set offline")
			}
			h.lg.Info().Str("device_id", dev.ID).Str("name", dev.Name).Msg("device disconnected")
		}
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.lg.Warn().Err(err).Str("device_id", dev.ID).Msg("socket error")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			h.lg.Warn().Err(err).Str("device_id", dev.ID).Msg("malformed frame dropped")
			continue
		}

		switch f.Type {
		case "metrics":
			h.handleMetrics(dev, f.Samples)
		default:
			h.lg.Debug().Str("device_id", dev.ID).Str("type", f.Type).Msg("ignoring frame")
		}
	}
}

func (h *Handler) handleMetrics(dev *device.Device, samples []metrics.AgentSample) {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()

	if err := h.pipe.StoreBatch(ctx, dev.ID, samples); err != nil {
		// The whole batch failed; the connection stays up and the agent's
		// next push gets another shot.
		h.lg.Error().Err(err).Str("device_id", dev.ID).Int("samples", len(samples)).Msg("store batch")
		return
	}
	if err := h.setOnline(dev.ID, true); err != nil {
		h.lg.Error().Err(err).Str("device_id", dev.ID).Msg("refresh last seen")
	}
	h.lg.Debug().Str("device_id", dev.ID).Int("samples", len(samples)).Msg("stored metric samples")

	if h.pub != nil && len(samples) > 0 {
		if err := h.pub.PublishSamples(dev.ID, samples); err != nil {
			h.lg.Warn().Err(err).Str("device_id", dev.ID).Msg("telemetry publish")
		}
	}
}

func (h *Handler) setOnline(deviceID string, online bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.storeTimeout)
	defer cancel()
	return h.reg.SetOnline(ctx, deviceID, online)
}

func (h *Handler) closePolicy(conn *websocket.Conn, reason string) {
	h.lg.Warn().Str("reason", reason).Msg("rejecting agent connection")
	h.closeSock(conn, websocket.ClosePolicyViolation, reason)
}

func (h *Handler) closeInternal(conn *websocket.Conn) {
	h.closeSock(conn, websocket.CloseInternalServerErr, "internal error")
}

func (h *Handler) closeSock(conn hub.Conn, code int, reason string) {
	if wc, ok := conn.(*websocket.Conn); ok {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = wc.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	}
	_ = conn.Close()
}
